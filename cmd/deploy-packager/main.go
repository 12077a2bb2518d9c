package main

import "github.com/oshokin/deploy-packager/cmd/deploy-packager/cmd"

func main() {
	cmd.Execute()
}
