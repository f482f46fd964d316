// Package llm contains adapters for invoking large language models as token
// streams. It abstracts away provider-specific APIs behind Model and Stream
// and maps user-facing model selectors to provider model names.
package llm
