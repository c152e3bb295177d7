package schemas

// -- Token Usage Schemas --

// TokenUsage is the normalized token accounting for one model invocation.
// PromptTokens is the full prompt size; the cached, cache-creation, and image
// counts are subsets of it, present only when the provider breaks them out.
type TokenUsage struct {
	PromptTokens              int `json:"promptTokens"`
	PromptCachedTokens        int `json:"promptCachedTokens,omitempty"`
	PromptCacheCreationTokens int `json:"promptCacheCreationTokens,omitempty"`
	ImageTokens               int `json:"imageTokens,omitempty"`
	CompletionTokens          int `json:"completionTokens"`
	TotalTokens               int `json:"totalTokens"`
}

// Add accumulates another usage record into this one.
func (u *TokenUsage) Add(other TokenUsage) {
	u.PromptTokens += other.PromptTokens
	u.PromptCachedTokens += other.PromptCachedTokens
	u.PromptCacheCreationTokens += other.PromptCacheCreationTokens
	u.ImageTokens += other.ImageTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// NewPromptTokens returns the uncached portion of the prompt, the part billed
// at the full input rate.
func (u TokenUsage) NewPromptTokens() int {
	n := u.PromptTokens - u.PromptCachedTokens - u.PromptCacheCreationTokens
	if n < 0 {
		return 0
	}
	return n
}
