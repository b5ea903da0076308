package extract

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const chaiSuite = `import {expect} from "chai";
describe("X",()=>{it("y",()=>{expect(1).to.equal(1);});});`

func TestExtract(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		wantCode   string
		wantMethod Method
		wantLang   string
	}{
		{
			name:       "closed ts fence",
			raw:        "```ts\n" + chaiSuite + "\n```",
			wantCode:   chaiSuite,
			wantMethod: MethodTagged,
			wantLang:   "ts",
		},
		{
			name:       "closed typescript fence wrapped in prose",
			raw:        "Here are the tests:\n\n```typescript\n\n  " + chaiSuite + "  \n\n```\n\nLet me know!",
			wantCode:   chaiSuite,
			wantMethod: MethodTagged,
			wantLang:   "typescript",
		},
		{
			name:       "language tag is case insensitive",
			raw:        "```TS\nconst a = 1;\n```",
			wantCode:   "const a = 1;",
			wantMethod: MethodTagged,
			wantLang:   "ts",
		},
		{
			name:       "tagged fence wins over earlier generic fence",
			raw:        "```\nnpx hardhat test\n```\n\n```javascript\n" + chaiSuite + "\n```",
			wantCode:   chaiSuite,
			wantMethod: MethodTagged,
			wantLang:   "javascript",
		},
		{
			name:       "first tagged fence wins",
			raw:        "```ts\nfirst();\n```\n```ts\nsecond();\n```",
			wantCode:   "first();",
			wantMethod: MethodTagged,
			wantLang:   "ts",
		},
		{
			name:       "tilde fence",
			raw:        "~~~ts\n" + chaiSuite + "\n~~~",
			wantCode:   chaiSuite,
			wantMethod: MethodTagged,
			wantLang:   "ts",
		},
		{
			name:       "crlf line endings",
			raw:        "```ts\r\nconst a = 1;\r\n```\r\n",
			wantCode:   "const a = 1;",
			wantMethod: MethodTagged,
			wantLang:   "ts",
		},
		{
			name:       "generic fence with chai import",
			raw:        "Sure.\n```\n" + chaiSuite + "\n```\n",
			wantCode:   chaiSuite,
			wantMethod: MethodGeneric,
		},
		{
			name:       "generic fence with hardhat require",
			raw:        "```\nconst { ethers } = require(\"hardhat\");\nmodule.exports = {};\n```",
			wantCode:   "const { ethers } = require(\"hardhat\");\nmodule.exports = {};",
			wantMethod: MethodGeneric,
		},
		{
			name:       "unterminated tagged fence",
			raw:        "Here you go:\n```ts\nimport { ethers } from \"hardhat\";\ndescribe(\"Token\", () => {\n  it(\"deploys\"",
			wantCode:   "import { ethers } from \"hardhat\";\ndescribe(\"Token\", () => {\n  it(\"deploys\"",
			wantMethod: MethodUnterminated,
			wantLang:   "ts",
		},
		{
			name:       "unterminated generic fence",
			raw:        "```\nsome partial output\nstill going",
			wantCode:   "some partial output\nstill going",
			wantMethod: MethodUnterminated,
		},
		{
			name:       "opening fence after prose on the same line",
			raw:        "Sure, here it is: ```ts\n" + chaiSuite + "\n```\nHope this helps.",
			wantCode:   chaiSuite,
			wantMethod: MethodTagged,
			wantLang:   "ts",
		},
		{
			name:       "closing fence glued to the last code line",
			raw:        "```ts\n" + chaiSuite + "```\nDone.",
			wantCode:   chaiSuite,
			wantMethod: MethodTagged,
			wantLang:   "ts",
		},
		{
			name:       "closing fence followed by prose on the same line",
			raw:        "```typescript\n" + chaiSuite + "\n``` Hope this helps.",
			wantCode:   chaiSuite,
			wantMethod: MethodTagged,
			wantLang:   "typescript",
		},
		{
			name:       "inline opening fence never closed",
			raw:        "Here: ```ts\nconst a = 1;\nconst b",
			wantCode:   "const a = 1;\nconst b",
			wantMethod: MethodUnterminated,
			wantLang:   "ts",
		},
		{
			name:       "unfenced test code",
			raw:        chaiSuite + "\n",
			wantCode:   chaiSuite + "\n",
			wantMethod: MethodRaw,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Extract(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.wantCode, got.Code)
			assert.Equal(t, tt.wantMethod, got.Method, "method %s", got.Method)
			assert.Equal(t, tt.wantLang, got.Language)
		})
	}
}

func TestExtract_None(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"prose only", "I'm sorry, I cannot write tests for this contract without more context."},
		{"prose mentioning describe", "You could describe the behaviour of the token in detail."},
		{"generic fence without vocabulary", "```\nnpm install\n```"},
		{"other language fence", "```solidity\ncontract A {}\n```"},
		{"empty tagged fence", "```ts\n```"},
		{"fence present so raw text is not used", "```bash\nnpx hardhat test\n```\ndescribe(\"X\", () => { it(\"y\") })"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Extract(tt.raw)
			assert.True(t, errors.Is(err, ErrNoCode), "got %v", err)
		})
	}
}

func TestExtract_FenceInsideList(t *testing.T) {
	raw := "1. Create the file:\n\n   ```ts\n   const x = 1;\n   ```\n"
	got, err := New().Extract(raw)
	require.NoError(t, err)
	assert.Equal(t, "const x = 1;", got.Code)
	assert.Equal(t, MethodTagged, got.Method)
}

func TestIsolateFences(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"no fences here", "no fences here"},
		{"```ts\nx\n```", "```ts\nx\n```"},
		{"Sure: ```ts\nx\n```", "Sure:\n```ts\nx\n```"},
		{"```ts\nx;```\nDone.", "```ts\nx;\n```\nDone."},
		{"```\nx\n``` Done.", "```\nx\n```\nDone."},
		{"```ts x```", "```ts x\n```"},
		{"   ```ts\n   x\n   ```", "   ```ts\n   x\n   ```"},
		{"use `a` and `b`", "use `a` and `b`"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isolateFences(tt.in), "%q", tt.in)
	}
}

func TestHasHarnessImport(t *testing.T) {
	tests := []struct {
		code string
		want bool
	}{
		{`import { expect } from "chai";`, true},
		{`import { ethers } from 'hardhat';`, true},
		{`import "@nomicfoundation/hardhat-chai-matchers";`, true},
		{`const { loadFixture } = require("@nomicfoundation/hardhat-toolbox/network-helpers");`, true},
		{`import React from "react";`, false},
		{`// uses chai`, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HasHarnessImport(tt.code), tt.code)
	}
}

func TestHasTestStructure(t *testing.T) {
	assert.True(t, HasTestStructure(`describe("a", () => { it("b", () => {}) })`))
	assert.True(t, HasTestStructure(`describe("a", function () { assert.equal(1, 1) })`))
	assert.False(t, HasTestStructure(`it("b", () => {})`))
	assert.False(t, HasTestStructure(`describe("a")`))
}

func TestMethodString(t *testing.T) {
	assert.Equal(t, "tagged-fence", MethodTagged.String())
	assert.Equal(t, "generic-fence", MethodGeneric.String())
	assert.Equal(t, "unterminated-fence", MethodUnterminated.String())
	assert.Equal(t, "raw", MethodRaw.String())
}
