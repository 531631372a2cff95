// Package llm contains the generation capability used by intent routing,
// parameter extraction and the text tools. It abstracts provider-specific
// APIs and normalises failures into the shared error codes so the retry
// layer can classify them.
package llm
