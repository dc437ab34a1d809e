package orchestrator

import (
	"sort"
	"strconv"
	"strings"

	"github.com/Jackwwg83/coderunner2-sub002/internal/core/detect"
	"github.com/Jackwwg83/coderunner2-sub002/internal/core/domain"
)

// Runtime names; they select the sandbox image.
const (
	RuntimeNode   = "node"
	RuntimePython = "python"
	RuntimeGo     = "go"
)

// EnvFile is the file the deployment environment is written to.
const EnvFile = ".env"

// startPlan describes how a classified project is installed and started.
type startPlan struct {
	Runtime string
	Install []string // nil when there is nothing to install
	Run     []string
}

var nodeEntries = []string{"index.js", "server.js", "app.js", "main.js"}
var pythonEntries = []string{"main.py", "app.py"}

// planFor builds the start plan. files is the final file set, after any
// generated files were merged in.
func planFor(kind domain.ProjectKind, framework string, files []domain.FileEntry, port int) (startPlan, error) {
	has := make(map[string]bool, len(files))
	for _, f := range files {
		if p, err := domain.CleanPath(f.Path); err == nil {
			has[p] = true
		}
	}
	p := strconv.Itoa(port)

	if kind == domain.KindSpec {
		return nodePlan(), nil
	}

	switch framework {
	case detect.FrameworkNext:
		plan := nodePlan()
		plan.Run = []string{"sh", "-c", "npm run build && npx next start -p " + p}
		return plan, nil
	case detect.FrameworkExpress, detect.FrameworkFastify, detect.FrameworkKoa,
		detect.FrameworkNest, detect.FrameworkHapi, detect.FrameworkNode:
		return nodePlan(), nil

	case detect.FrameworkFlask:
		return pythonPlan(has, []string{"python", "-m", "flask", "run", "--host", "0.0.0.0", "--port", p}), nil
	case detect.FrameworkFastAPI:
		module := "main"
		if !has["main.py"] && has["app.py"] {
			module = "app"
		}
		return pythonPlan(has, []string{"python", "-m", "uvicorn", module + ":app", "--host", "0.0.0.0", "--port", p}), nil
	case detect.FrameworkDjango:
		return pythonPlan(has, []string{"python", "manage.py", "runserver", "0.0.0.0:" + p}), nil
	case detect.FrameworkPython:
		entry := firstPresent(has, pythonEntries)
		if entry == "" {
			return startPlan{}, &domain.ValidationError{
				Reason:   "python project needs " + strings.Join(pythonEntries, " or "),
				Location: "files",
			}
		}
		return pythonPlan(has, []string{"python", entry}), nil

	case detect.FrameworkGo:
		return startPlan{
			Runtime: RuntimeGo,
			Install: []string{"go", "mod", "download"},
			Run:     []string{"go", "run", "."},
		}, nil

	case detect.FrameworkStatic:
		return staticPlan(p), nil
	}

	// Unstructured: look for a conventional entry point.
	if entry := firstPresent(has, nodeEntries); entry != "" {
		return startPlan{Runtime: RuntimeNode, Run: []string{"node", entry}}, nil
	}
	if entry := firstPresent(has, pythonEntries); entry != "" {
		return startPlan{Runtime: RuntimePython, Run: []string{"python", entry}}, nil
	}
	if has["index.html"] {
		return staticPlan(p), nil
	}

	entries := append(append([]string{}, nodeEntries...), pythonEntries...)
	sort.Strings(entries)
	return startPlan{}, &domain.ValidationError{
		Reason:   "no entry point found; expected a manifest or one of " + strings.Join(entries, ", "),
		Location: "files",
	}
}

func nodePlan() startPlan {
	return startPlan{
		Runtime: RuntimeNode,
		Install: []string{"npm", "install", "--no-audit", "--no-fund"},
		Run:     []string{"npm", "start"},
	}
}

func pythonPlan(has map[string]bool, run []string) startPlan {
	plan := startPlan{Runtime: RuntimePython, Run: run}
	switch {
	case has["requirements.txt"]:
		plan.Install = []string{"pip", "install", "--no-cache-dir", "-r", "requirements.txt"}
	case has["pyproject.toml"]:
		plan.Install = []string{"pip", "install", "--no-cache-dir", "."}
	}
	return plan
}

func staticPlan(port string) startPlan {
	return startPlan{
		Runtime: RuntimeNode,
		Run:     []string{"npx", "--yes", "http-server", ".", "-p", port, "-a", "0.0.0.0"},
	}
}

func firstPresent(has map[string]bool, names []string) string {
	for _, n := range names {
		if has[n] {
			return n
		}
	}
	return ""
}

// envFile renders the deployment environment as a dotenv file, keys sorted.
func envFile(env map[string]string) domain.FileEntry {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(strconv.Quote(env[k]))
		b.WriteByte('\n')
	}
	return domain.FileEntry{Path: EnvFile, Content: b.String()}
}
