package environment

import (
	"context"
	"fmt"
	"log/slog"
)

// manifestInstall maps a dependency manifest to its install command.
type manifestInstall struct {
	file    string
	install string
}

// Checked in order; the first manifest found wins per ecosystem, and
// multiple ecosystems can coexist in one repository.
var manifests = []manifestInstall{
	{"package-lock.json", "npm ci"},
	{"package.json", "npm install"},
	{"requirements.txt", "pip install -r requirements.txt"},
	{"environment.yaml", "conda env update -f environment.yaml || mamba env update -f environment.yaml"},
	{"environment.yml", "conda env update -f environment.yml || mamba env update -f environment.yml"},
	{"go.mod", "go mod download"},
	{"Cargo.toml", "cargo fetch"},
	{"pom.xml", "mvn -q dependency:resolve"},
}

// installDependencies detects dependency manifests in the cloned project
// and runs the matching install commands. Failures are logged, not fatal:
// the setup sub-phase and the LLM get their own chance to fix the
// environment.
func (m *Manager) installDependencies(ctx context.Context, rec *ContainerRecord) {
	seen := map[string]bool{}
	for _, mi := range manifests {
		// One install per ecosystem: package-lock.json suppresses the
		// plain package.json fallback, and so on.
		eco := ecosystemOf(mi.file)
		if seen[eco] {
			continue
		}
		check, err := m.execRaw(ctx, rec.Name, rec.Workdir, fmt.Sprintf("test -f %s", mi.file))
		if err != nil || check.ExitCode != 0 {
			continue
		}
		seen[eco] = true

		slog.Info("Installing dependencies", "container", rec.Name, "manifest", mi.file)
		res, err := m.execRaw(ctx, rec.Name, rec.Workdir, mi.install)
		if err != nil {
			slog.Warn("Dependency install failed", "manifest", mi.file, "error", err)
			continue
		}
		if res.ExitCode != 0 {
			slog.Warn("Dependency install exited non-zero",
				"manifest", mi.file, "exit_code", res.ExitCode)
		}
	}
}

func ecosystemOf(file string) string {
	switch file {
	case "package-lock.json", "package.json":
		return "node"
	case "requirements.txt", "environment.yaml", "environment.yml":
		return "python"
	case "go.mod":
		return "go"
	case "Cargo.toml":
		return "rust"
	case "pom.xml":
		return "java"
	}
	return file
}
