// Package core provides the file tools: reads and listings over the source
// repository, edits to the repository working tree, and a free-form drive
// directory for the agent's own notes and artifacts.
package core
