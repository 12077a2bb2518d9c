// Package manifest persists bundle manifests as YAML files next to the archive.
package manifest
