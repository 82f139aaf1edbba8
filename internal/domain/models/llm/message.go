package llm

// Message is one entry of a completion prompt, in upstream wire shape
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// MessagesFromPath converts an active path into prompt context
func MessagesFromPath(path []ChatNode) []Message {
	msgs := make([]Message, 0, len(path))
	for _, n := range path {
		msgs = append(msgs, Message{Role: n.Role, Content: n.Content})
	}
	return msgs
}
