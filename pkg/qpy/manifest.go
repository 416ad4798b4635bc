// Package qpy models question packages: immutable, content-addressed zip
// bundles carrying a manifest and the scripts a worker executes.
package qpy

import (
	"regexp"

	"github.com/glorpus-work/qpserver/pkg/errors"
	"github.com/hashicorp/go-version"
)

const (
	// Extension is the file extension of question package bundles.
	Extension = ".qpy"

	// ManifestFilename is the manifest file inside a package bundle.
	ManifestFilename = "qpy_manifest.yml"

	// ScriptFilename is the entry script inside a package bundle, executed
	// by workers unless the manifest overrides the entrypoint.
	ScriptFilename = "scripts/main.tengo"
)

var nameRe = regexp.MustCompile(`^[a-z][a-z0-9_]{0,126}$`)

// Manifest is the package-author-provided description of a question package.
// Its grammar is consumed here, not defined; only the fields the server
// needs are modelled.
type Manifest struct {
	ShortName  string            `yaml:"short_name"`
	Namespace  string            `yaml:"namespace"`
	Version    string            `yaml:"version"`
	APIVersion string            `yaml:"api_version"`
	Author     string            `yaml:"author,omitempty"`
	Entrypoint string            `yaml:"entrypoint,omitempty"`
	Languages  []string          `yaml:"languages,omitempty"`
	Name       map[string]string `yaml:"name,omitempty"`
}

// Validate checks the fields the server relies on.
func (m *Manifest) Validate() error {
	if !nameRe.MatchString(m.ShortName) {
		return errors.Wrapf(errors.ErrInvalidManifest, "invalid short_name %q", m.ShortName)
	}
	if m.Namespace != "" && !nameRe.MatchString(m.Namespace) {
		return errors.Wrapf(errors.ErrInvalidManifest, "invalid namespace %q", m.Namespace)
	}
	if _, err := version.NewVersion(m.Version); err != nil {
		return errors.Wrapf(errors.ErrInvalidManifest, "invalid version %q", m.Version)
	}
	return nil
}

// Identifier returns the namespaced package name, e.g. "@local/example".
func (m *Manifest) Identifier() string {
	ns := m.Namespace
	if ns == "" {
		ns = "default"
	}
	return "@" + ns + "/" + m.ShortName
}

// GetVersion parses the manifest version. Returns nil if it is invalid.
func (m *Manifest) GetVersion() *version.Version {
	v, err := version.NewVersion(m.Version)
	if err != nil {
		return nil
	}
	return v
}

// ScriptPath returns the path of the entry script inside the bundle.
func (m *Manifest) ScriptPath() string {
	if m.Entrypoint != "" {
		return m.Entrypoint
	}
	return ScriptFilename
}
