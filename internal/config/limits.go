package config

const (
	// MaxConversationTitleLength is the maximum length for conversation titles.
	// Limited to 255 to fit in PostgreSQL VARCHAR(255).
	MaxConversationTitleLength = 255

	// DefaultConversationTitle names conversations created without a title
	DefaultConversationTitle = "New conversation"

	// DerivedTitleLength is how many characters of the first message become the title
	DerivedTitleLength = 60

	// MaxMessageLength caps a single user message (characters)
	MaxMessageLength = 200_000

	// MaxExplicitMessages caps the prompt of a stateless completion
	MaxExplicitMessages = 500

	// DefaultPageSize and MaxPageSize bound history paging
	DefaultPageSize = 50
	MaxPageSize     = 200

	// AssumedOutputContextShare is the fraction of the context window assumed
	// as output when a request gives no max_tokens (percent)
	AssumedOutputContextShare = 20
)
