// Package research provides the web tools: web_fetch turns a page into
// markdown, web_search asks an OpenAI model with web search enabled.
package research
