// Package bootconfig renders the cloud-init document handed to the runner
// VM as user-data.
package bootconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"text/template"
)

// Dir is the template directory relative to the action checkout.
const Dir = "templates"

// Template file names within Dir.
const (
	// TemplateWithActions downloads and installs the runner agent at boot.
	TemplateWithActions = "cloud-config-with-actions.yaml.tmpl"
	// TemplateWithoutActions expects the agent at /actions-runner already.
	TemplateWithoutActions = "cloud-config-without-actions.yaml.tmpl"
)

// ErrTemplateMissing is returned when the selected template file does not
// exist in the template directory.
var ErrTemplateMissing = errors.New("cloud-init template is missing")

// Params are the values substituted into a template.
type Params struct {
	Repository        string
	RegistrationToken string
	RunnerName        string
	RunnerVersion     string

	// ShutdownTimeout is how long, in seconds, the VM stays up after the
	// ephemeral runner has finished its job before it powers itself off.
	// Zero leaves the VM running until it is deleted.
	ShutdownTimeout int
}

// TemplateName picks the template for an image.
func TemplateName(preinstalled bool) string {
	if preinstalled {
		return TemplateWithoutActions
	}
	return TemplateWithActions
}

// Renderer renders templates from a directory.
type Renderer struct {
	fsys fs.FS
}

// NewRenderer returns a Renderer reading templates from fsys.
func NewRenderer(fsys fs.FS) *Renderer {
	return &Renderer{fsys: fsys}
}

// Render selects the template for preinstalled and executes it with p.
// The result is returned exactly as rendered, newlines included.
func (r *Renderer) Render(preinstalled bool, p Params) (string, error) {
	name := TemplateName(preinstalled)

	data, err := fs.ReadFile(r.fsys, name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrTemplateMissing, name)
		}
		return "", fmt.Errorf("reading template %s: %w", name, err)
	}

	tmpl, err := template.New(name).Option("missingkey=error").Parse(string(data))
	if err != nil {
		return "", fmt.Errorf("parsing template %s: %w", name, err)
	}

	var sb strings.Builder
	if err := tmpl.Execute(&sb, p); err != nil {
		return "", fmt.Errorf("rendering template %s: %w", name, err)
	}
	return sb.String(), nil
}
