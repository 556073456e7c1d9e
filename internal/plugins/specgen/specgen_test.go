package specgen

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const calculator = `package com.se333.agent;

public class Calculator {
    public int add(int a, int b) { return a + b; }
    public static double half(final Double x) { return x / 2; }
    public String greet(String name) { return "hi " + name; }
    public void reset() {}
    private int hidden(int a) { return a; }
}
`

func TestGenerate(t *testing.T) {
	result := Generate("Calculator", calculator)
	require.Len(t, result.Tests, 2)

	add := result.Tests[0]
	assert.Equal(t, "add", add.Method)
	assert.False(t, add.Static)
	assert.Equal(t, []Param{{Type: "int", Name: "a"}, {Type: "int", Name: "b"}}, add.Params)
	require.Len(t, add.Cases, 10)
	assert.Equal(t, []string{"Integer.MIN_VALUE", "1"}, add.Cases[0])
	assert.Equal(t, []string{"1", "Integer.MAX_VALUE"}, add.Cases[9])
	assert.Contains(t, add.Template, "@Test\nvoid test_add_boundaries() {")
	assert.Contains(t, add.Template, "    // boundaries for b\n")
	assert.Contains(t, add.Template, "new Calculator().add(Integer.MIN_VALUE, 1);")

	half := result.Tests[1]
	assert.Equal(t, "half", half.Method)
	assert.True(t, half.Static)
	assert.Equal(t, "double", half.Params[0].Type)
	assert.Contains(t, half.Template, "Calculator.half(Double.NaN);")
}

func TestGenerate_NoNumericMethods(t *testing.T) {
	result := Generate("Greeter", "public class Greeter { public String hi(String n) { return n; } }")
	assert.Empty(t, result.Tests)
}

func TestGenerateFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Calculator.java")
	require.NoError(t, os.WriteFile(path, []byte(calculator), 0o644))

	result, err := GenerateFile(path)
	require.NoError(t, err)
	assert.Equal(t, "Calculator", result.Class)
	assert.Equal(t, path, result.File)
	assert.Len(t, result.Tests, 2)

	_, err = GenerateFile(filepath.Join(t.TempDir(), "Missing.java"))
	assert.Error(t, err)
}
