// Package specgen proposes boundary-value and equivalence-class test cases
// for public Java methods that take numeric parameters.
package specgen

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

type Param struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

type MethodTests struct {
	Method   string     `json:"method"`
	Static   bool       `json:"static"`
	Params   []Param    `json:"params"`
	Cases    [][]string `json:"cases"`
	Template string     `json:"template"`
}

type Result struct {
	File  string        `json:"file"`
	Class string        `json:"class"`
	Tests []MethodTests `json:"tests"`
}

var publicMethod = regexp.MustCompile(`public\s+((?:(?:static|final|synchronized)\s+)*)[\w<>\[\]]+\s+(\w+)\s*\(([^)]*)\)`)

// boundaries lists, per numeric type, the values at and around each
// equivalence-class edge.
var boundaries = map[string][]string{
	"byte":   {"Byte.MIN_VALUE", "(byte) -1", "(byte) 0", "(byte) 1", "Byte.MAX_VALUE"},
	"short":  {"Short.MIN_VALUE", "(short) -1", "(short) 0", "(short) 1", "Short.MAX_VALUE"},
	"int":    {"Integer.MIN_VALUE", "-1", "0", "1", "Integer.MAX_VALUE"},
	"long":   {"Long.MIN_VALUE", "-1L", "0L", "1L", "Long.MAX_VALUE"},
	"float":  {"-Float.MAX_VALUE", "-1.0f", "0.0f", "Float.MIN_VALUE", "Float.MAX_VALUE", "Float.NaN"},
	"double": {"-Double.MAX_VALUE", "-1.0", "0.0", "Double.MIN_VALUE", "Double.MAX_VALUE", "Double.NaN"},
}

var boxed = map[string]string{
	"Byte": "byte", "Short": "short", "Integer": "int", "Long": "long", "Float": "float", "Double": "double",
}

// representative is the neutral value other parameters take while one
// parameter walks its boundaries.
var representative = map[string]string{
	"byte": "(byte) 1", "short": "(short) 1", "int": "1", "long": "1L", "float": "1.0f", "double": "1.0",
}

func GenerateFile(path string) (Result, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return Result{}, fmt.Errorf("read %s: %w", path, err)
	}
	class := strings.TrimSuffix(filepath.Base(path), ".java")
	result := Generate(class, string(src))
	result.File = path
	return result, nil
}

// Generate inspects src for public methods whose parameters are all numeric.
func Generate(class string, src string) Result {
	result := Result{Class: class, Tests: []MethodTests{}}
	for _, m := range publicMethod.FindAllStringSubmatch(src, -1) {
		params, ok := numericParams(m[3])
		if !ok {
			continue
		}
		tests := MethodTests{
			Method: m[2],
			Static: strings.Contains(m[1], "static"),
			Params: params,
		}
		tests.Cases = cases(params)
		tests.Template = template(class, tests)
		result.Tests = append(result.Tests, tests)
	}
	return result
}

func numericParams(list string) ([]Param, bool) {
	list = strings.TrimSpace(list)
	if list == "" {
		return nil, false
	}
	var params []Param
	for _, raw := range strings.Split(list, ",") {
		fields := strings.Fields(raw)
		fields = dropModifiers(fields)
		if len(fields) != 2 {
			return nil, false
		}
		typ := fields[0]
		if prim, ok := boxed[typ]; ok {
			typ = prim
		}
		if _, ok := boundaries[typ]; !ok {
			return nil, false
		}
		params = append(params, Param{Type: typ, Name: fields[1]})
	}
	return params, true
}

func dropModifiers(fields []string) []string {
	out := fields[:0:0]
	for _, f := range fields {
		if f == "final" || strings.HasPrefix(f, "@") {
			continue
		}
		out = append(out, f)
	}
	return out
}

// cases varies one parameter at a time across its boundaries.
func cases(params []Param) [][]string {
	var out [][]string
	for i, p := range params {
		for _, value := range boundaries[p.Type] {
			args := make([]string, len(params))
			for j, other := range params {
				args[j] = representative[other.Type]
			}
			args[i] = value
			out = append(out, args)
		}
	}
	return out
}

func template(class string, tests MethodTests) string {
	target := "new " + class + "()"
	if tests.Static {
		target = class
	}
	var b strings.Builder
	fmt.Fprintf(&b, "@Test\nvoid test_%s_boundaries() {\n", tests.Method)
	offset := 0
	for _, p := range tests.Params {
		fmt.Fprintf(&b, "    // boundaries for %s\n", p.Name)
		n := len(boundaries[p.Type])
		for _, args := range tests.Cases[offset : offset+n] {
			fmt.Fprintf(&b, "    %s.%s(%s);\n", target, tests.Method, strings.Join(args, ", "))
		}
		offset += n
	}
	b.WriteString("}")
	return b.String()
}
