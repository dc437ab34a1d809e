// Package detect classifies a submitted file set.
//
// Classify is a pure, total function: it never fails and performs no I/O.
// A declarative spec file always wins over runtime manifests because the
// application generator treats the spec as authoritative.
package detect

import (
	"encoding/json"
	"path"
	"strings"

	"github.com/Jackwwg83/coderunner2-sub002/internal/core/domain"
)

// Framework labels reported for runtime projects.
const (
	FrameworkExpress      = "express"
	FrameworkFastify      = "fastify"
	FrameworkKoa          = "koa"
	FrameworkNext         = "next"
	FrameworkNest         = "nestjs"
	FrameworkHapi         = "hapi"
	FrameworkNode         = "node"
	FrameworkFlask        = "flask"
	FrameworkFastAPI      = "fastapi"
	FrameworkDjango       = "django"
	FrameworkPython       = "python"
	FrameworkGo           = "go"
	FrameworkStatic       = "static"
	FrameworkUnstructured = "unstructured"
)

// SpecFileNames are the root-level file names recognized as declarative specs,
// in precedence order.
var SpecFileNames = []string{
	"coderunner.yaml",
	"coderunner.yml",
	"coderunner.json",
	"app.spec.yaml",
	"app.spec.yml",
	"app.spec.json",
}

// Result is the outcome of classifying a file set.
type Result struct {
	Kind      domain.ProjectKind `json:"kind" yaml:"kind"`
	Framework string             `json:"framework,omitempty" yaml:"framework,omitempty"`
	SpecPath  string             `json:"spec_path,omitempty" yaml:"spec_path,omitempty"`
	Evidence  []string           `json:"evidence" yaml:"evidence"`
}

// nodeFrameworks is checked in order; the first dependency found wins.
var nodeFrameworks = []struct {
	dep   string
	label string
}{
	{"next", FrameworkNext},
	{"@nestjs/core", FrameworkNest},
	{"fastify", FrameworkFastify},
	{"koa", FrameworkKoa},
	{"@hapi/hapi", FrameworkHapi},
	{"express", FrameworkExpress},
}

var pythonFrameworks = []struct {
	marker string
	label  string
}{
	{"django", FrameworkDjango},
	{"fastapi", FrameworkFastAPI},
	{"flask", FrameworkFlask},
}

// Classify inspects files and reports the project kind and framework.
func Classify(files []domain.FileEntry) Result {
	if len(files) == 0 {
		return Result{Kind: domain.KindUnknown, Evidence: []string{}}
	}

	byPath := make(map[string]string, len(files))
	for _, f := range files {
		p, err := domain.CleanPath(f.Path)
		if err != nil {
			continue
		}
		byPath[p] = f.Content
	}

	for _, name := range SpecFileNames {
		if _, ok := byPath[name]; ok {
			return Result{
				Kind:     domain.KindSpec,
				SpecPath: name,
				Evidence: []string{name},
			}
		}
	}

	if content, ok := byPath["package.json"]; ok {
		return runtime(nodeFramework(content), "package.json")
	}

	var pyEvidence []string
	var pyContent strings.Builder
	for _, name := range []string{"requirements.txt", "pyproject.toml"} {
		if content, ok := byPath[name]; ok {
			pyEvidence = append(pyEvidence, name)
			pyContent.WriteString(strings.ToLower(content))
			pyContent.WriteByte('\n')
		}
	}
	if len(pyEvidence) > 0 {
		return runtime(pythonFramework(pyContent.String()), pyEvidence...)
	}

	if _, ok := byPath["go.mod"]; ok {
		return runtime(FrameworkGo, "go.mod")
	}

	if _, ok := byPath["index.html"]; ok && onlyStatic(byPath) {
		return runtime(FrameworkStatic, "index.html")
	}

	return runtime(FrameworkUnstructured)
}

func runtime(framework string, evidence ...string) Result {
	if evidence == nil {
		evidence = []string{}
	}
	return Result{Kind: domain.KindRuntime, Framework: framework, Evidence: evidence}
}

type packageManifest struct {
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

func nodeFramework(content string) string {
	var pkg packageManifest
	if err := json.Unmarshal([]byte(content), &pkg); err != nil {
		return FrameworkNode
	}
	for _, fw := range nodeFrameworks {
		if _, ok := pkg.Dependencies[fw.dep]; ok {
			return fw.label
		}
	}
	for _, fw := range nodeFrameworks {
		if _, ok := pkg.DevDependencies[fw.dep]; ok {
			return fw.label
		}
	}
	return FrameworkNode
}

func pythonFramework(content string) string {
	for _, fw := range pythonFrameworks {
		if strings.Contains(content, fw.marker) {
			return fw.label
		}
	}
	return FrameworkPython
}

var staticExts = map[string]bool{
	".html": true, ".htm": true, ".css": true, ".js": true, ".mjs": true,
	".json": true, ".svg": true, ".png": true, ".jpg": true, ".jpeg": true,
	".gif": true, ".ico": true, ".webp": true, ".txt": true, ".md": true,
	".woff": true, ".woff2": true, ".map": true,
}

func onlyStatic(byPath map[string]string) bool {
	for p := range byPath {
		if !staticExts[strings.ToLower(path.Ext(p))] {
			return false
		}
	}
	return true
}
