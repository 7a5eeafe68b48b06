package output

import (
	"bytes"
	"sync"
	"text/template"

	"github.com/jamesainslie/dirmon/pkg/dirmon/types"
)

// TemplateFormatter renders a Result with a text/template. Templates get
// the bytes and count helpers.
type TemplateFormatter struct {
	mu          sync.Mutex
	templateStr string
	template    *template.Template
}

// NewTemplateFormatter creates a formatter for the given template.
func NewTemplateFormatter(templateStr string) *TemplateFormatter {
	return &TemplateFormatter{templateStr: templateStr}
}

// SetTemplate replaces the template.
func (f *TemplateFormatter) SetTemplate(templateStr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.templateStr = templateStr
	f.template = nil
}

func templateFuncs() template.FuncMap {
	return template.FuncMap{
		// {{bytes .Size}}
		"bytes": types.FormatSize,
		// {{count .Files}}
		"count": types.FormatCount,
	}
}

// Format writes the formatted output to the buffer.
func (f *TemplateFormatter) Format(w *bytes.Buffer, r *Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.template == nil {
		tmpl, err := template.New("output").Funcs(templateFuncs()).Parse(f.templateStr)
		if err != nil {
			return err
		}
		f.template = tmpl
	}
	return f.template.Execute(w, r)
}

const defaultTemplate = `{{range .Dirs}}{{bytes .Size}}	{{.Path}}
{{end}}`

func init() {
	Register("template", func() Formatter {
		return NewTemplateFormatter(defaultTemplate)
	})
}

var _ Formatter = (*TemplateFormatter)(nil)
