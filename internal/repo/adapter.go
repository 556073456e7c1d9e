package repo

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

const (
	DefaultReportPath   = "target/site/jacoco/jacoco.xml"
	DefaultSourceRoot   = "src/main/java"
	DefaultGeneratedDir = "src/test/java/generated"
)

type Adapter struct {
	ReportPath   string
	GeneratedDir string
}

func NewAdapter(reportPath string, generatedDir string) *Adapter {
	if reportPath == "" {
		reportPath = DefaultReportPath
	}
	if generatedDir == "" {
		generatedDir = DefaultGeneratedDir
	}
	return &Adapter{ReportPath: reportPath, GeneratedDir: generatedDir}
}

type Profile struct {
	ModuleDir    string
	HasPOM       bool
	WrapperPath  string
	BuildTool    string
	ReportPath   string
	SourceRoot   string
	GeneratedDir string
}

type MavenInvocation struct {
	Executable string
	PrefixArgs []string
}

func (a *Adapter) Detect(moduleDir string) (Profile, error) {
	info, err := os.Stat(moduleDir)
	if err != nil {
		return Profile{}, fmt.Errorf("module directory %s: %w", moduleDir, err)
	}
	if !info.IsDir() {
		return Profile{}, fmt.Errorf("module path %s is not a directory", moduleDir)
	}

	profile := Profile{
		ModuleDir:    moduleDir,
		ReportPath:   resolve(moduleDir, a.ReportPath),
		SourceRoot:   filepath.Join(moduleDir, DefaultSourceRoot),
		GeneratedDir: resolve(moduleDir, a.GeneratedDir),
	}

	if exists(filepath.Join(moduleDir, "pom.xml")) {
		profile.HasPOM = true
		profile.BuildTool = "maven"
	}

	wrapper := "mvnw"
	if runtime.GOOS == "windows" {
		wrapper = "mvnw.cmd"
	}
	if wrapperPath := filepath.Join(moduleDir, wrapper); exists(wrapperPath) {
		profile.WrapperPath = wrapperPath
		if profile.BuildTool == "" {
			profile.BuildTool = "maven"
		}
	}

	if profile.BuildTool == "" {
		return profile, fmt.Errorf("no pom.xml found in %s", moduleDir)
	}

	return profile, nil
}

func (a *Adapter) ResolveMaven(profile Profile) MavenInvocation {
	if profile.WrapperPath != "" {
		return MavenInvocation{Executable: profile.WrapperPath}
	}
	return MavenInvocation{Executable: "mvn"}
}

func (m MavenInvocation) Command(args ...string) []string {
	parts := append([]string{m.Executable}, m.PrefixArgs...)
	return append(parts, args...)
}

// SourcePath maps a dotted class name and its JaCoCo source file name onto
// the conventional Maven source layout.
func (p Profile) SourcePath(className string, sourceFile string) string {
	pkg := ""
	if idx := strings.LastIndex(className, "."); idx >= 0 {
		pkg = className[:idx]
	}
	if sourceFile == "" {
		simple := className[strings.LastIndex(className, ".")+1:]
		if idx := strings.Index(simple, "$"); idx >= 0 {
			simple = simple[:idx]
		}
		sourceFile = simple + ".java"
	}
	return filepath.Join(p.SourceRoot, filepath.FromSlash(strings.ReplaceAll(pkg, ".", "/")), sourceFile)
}

// GeneratedPackage is the Java package matching the generated tests directory,
// relative to src/test/java.
func (p Profile) GeneratedPackage() string {
	testRoot := filepath.Join(p.ModuleDir, "src", "test", "java")
	rel, err := filepath.Rel(testRoot, p.GeneratedDir)
	if err != nil || strings.HasPrefix(rel, "..") || rel == "." {
		return "generated"
	}
	return strings.ReplaceAll(filepath.ToSlash(rel), "/", ".")
}

func resolve(base string, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, filepath.FromSlash(path))
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
