package agent

import (
	"context"
	"fmt"
	"path"
	"strings"

	"covloop/internal/core"
)

// TemplateAdapter writes one JUnit skeleton per method without any model.
// It is the offline default and backs the suggest_tests tool.
type TemplateAdapter struct{}

func NewTemplate() *TemplateAdapter {
	return &TemplateAdapter{}
}

func (a *TemplateAdapter) Name() string {
	return "template"
}

func (a *TemplateAdapter) Generate(ctx context.Context, req Request) ([]Candidate, error) {
	if req.ClassName == "" || req.MethodSignature == "" {
		return nil, fmt.Errorf("class name and method signature required")
	}
	method := req.Method()
	pkg := req.Package
	if pkg == "" {
		pkg = "generated"
	}
	dir := req.GeneratedDir
	if dir == "" {
		dir = "src/test/java/generated"
	}
	name := TestClassName(method)
	return []Candidate{{
		FilePath:   path.Join(dir, name+".java"),
		SourceText: renderTestClass(pkg, name, method),
	}}, nil
}

// Suggestion is the tool-facing view of a template.
type Suggestion struct {
	Class             string `json:"class"`
	Method            string `json:"method"`
	SuggestedTestName string `json:"suggested_test_name"`
	Template          string `json:"template"`
}

func Suggest(m core.UncoveredMethod) Suggestion {
	simple := m.SimpleClassName()
	safe := SanitizeMethodName(m.MethodName())
	body := fmt.Sprintf("@Test\nvoid test_%s() {\n", safe)
	switch m.MethodName() {
	case "<init>", "<clinit>":
		body += fmt.Sprintf("    assertNotNull(new %s());\n", simple)
	default:
		body += fmt.Sprintf("    %s subject = new %s();\n    // exercise subject.%s(...) and assert on the result\n", simple, simple, m.MethodName())
	}
	body += "}"
	return Suggestion{
		Class:             m.ClassName,
		Method:            m.MethodName(),
		SuggestedTestName: "test_" + safe,
		Template:          body,
	}
}

// TestClassName is unique per class and method so two classes with an
// uncovered add() never collide.
func TestClassName(m core.UncoveredMethod) string {
	return fmt.Sprintf("Generated_%s_%s_Test", strings.ReplaceAll(m.SimpleClassName(), "$", "_"), SanitizeMethodName(m.MethodName()))
}

// SanitizeMethodName turns JVM method names into Java identifiers.
func SanitizeMethodName(method string) string {
	switch method {
	case "<init>":
		return "constructor"
	case "<clinit>":
		return "static_init"
	}
	r := strings.NewReplacer("<", "", ">", "", "/", "_", "$", "_")
	return r.Replace(method)
}

func renderTestClass(pkg string, name string, m core.UncoveredMethod) string {
	var b strings.Builder
	fmt.Fprintf(&b, "package %s;\n\n", pkg)
	b.WriteString("import static org.junit.jupiter.api.Assertions.assertNotNull;\n\n")
	b.WriteString("import org.junit.jupiter.api.Test;\n")
	if owner := m.PackageName(); owner != "" && owner != pkg {
		fmt.Fprintf(&b, "import %s;\n", strings.ReplaceAll(m.ClassName, "$", "."))
	}
	b.WriteString("\n")

	method := SanitizeMethodName(m.MethodName())
	fmt.Fprintf(&b, "public class %s {\n\n", name)
	if len(m.MissedLineRanges) > 0 {
		ranges := make([]string, 0, len(m.MissedLineRanges))
		for _, r := range m.MissedLineRanges {
			ranges = append(ranges, r.String())
		}
		fmt.Fprintf(&b, "    // %s missed lines %s\n", method, strings.Join(ranges, ", "))
	}
	simple := strings.ReplaceAll(m.SimpleClassName(), "$", ".")
	fmt.Fprintf(&b, "    @Test\n    void test_%s() {\n", method)
	fmt.Fprintf(&b, "        %s subject = new %s();\n", simple, simple)
	b.WriteString("        assertNotNull(subject);\n")
	b.WriteString("    }\n}\n")
	return b.String()
}
