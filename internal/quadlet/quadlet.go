package quadlet

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ValidExtensions are the recognized Podman Quadlet file extensions
var ValidExtensions = []string{
	".container",
	".volume",
	".network",
	".kube",
	".image",
	".build",
	".pod",
}

// Descriptor is a unit descriptor file in the source tree. The file content
// is opaque to the controller; identity is the filename.
type Descriptor struct {
	Name       string
	SourcePath string
}

// IsQuadletFile returns true if the file has a valid quadlet extension
func IsQuadletFile(path string) bool {
	ext := filepath.Ext(path)
	for _, valid := range ValidExtensions {
		if ext == valid {
			return true
		}
	}
	return false
}

// DiscoverTiers scans the given tier directories in order and returns the
// desired set of descriptors keyed by name. Only direct children with a
// quadlet extension are considered; subdirectories and hidden files are
// skipped. A tier directory that does not exist is skipped silently. When
// the same name appears in more than one tier, the last tier scanned wins.
func DiscoverTiers(tierDirs []string) (map[string]Descriptor, error) {
	desired := make(map[string]Descriptor)

	for _, dir := range tierDirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to scan tier %s: %w", dir, err)
		}

		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || strings.HasPrefix(name, ".") {
				continue
			}
			if !IsQuadletFile(name) {
				continue
			}
			desired[name] = Descriptor{
				Name:       name,
				SourcePath: filepath.Join(dir, name),
			}
		}
	}

	return desired, nil
}

// UnitName converts a quadlet filename to its systemd unit name
// For example: myapp.container -> myapp.service
func UnitName(name string) string {
	base := filepath.Base(name)
	return strings.TrimSuffix(base, filepath.Ext(base)) + ".service"
}

// IsStartable returns true if the quadlet file generates a service that the
// controller starts and stops. Volume, network, image, and build files
// generate oneshot services that create resources and are left to systemd.
func IsStartable(name string) bool {
	switch filepath.Ext(name) {
	case ".container", ".kube", ".pod":
		return true
	}
	return false
}
