package render

// Markdown fixtures shared by the render tests.
const (
	testMarkdownHeader        = "# Hello World\n\nThis is a **test**."
	testMarkdownTable         = "| A | B |\n|---|---|\n| 1 | 2 |"
	testMarkdownCode          = "```go\nfunc main() {}\n```"
	testMarkdownStrikethrough = "~~deleted~~"
	testMarkdownTaskList      = "- [x] Done\n- [ ] Todo"
	testMarkdownAutolink      = "https://example.com"
	testMarkdownLineBreak     = "first line\nsecond line"

	testMarkdownComplex = `# Complex Document

This has:
- Lists
- **Bold** and *italic*
- [Links](https://example.com)

` + "```go\nfunc test() {}\n```"
)
