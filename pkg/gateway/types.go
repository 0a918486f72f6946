package gateway

// ChatRequest is one user turn arriving over REST or WebSocket.
type ChatRequest struct {
	Type          string `json:"type,omitempty"`
	SessionID     string `json:"sessionId,omitempty"`
	Provider      string `json:"provider,omitempty"`
	Model         string `json:"model,omitempty"`
	APIKey        string `json:"apiKey"`
	WalletAddress string `json:"walletAddress,omitempty"`
	Message       string `json:"message"`
}

// ChatResponse carries the assistant reply back to the client.
type ChatResponse struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Reply     string `json:"reply,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Message types on the WebSocket stream.
const (
	TypeChat   = "chat"
	TypeCancel = "cancel"
	TypeReply  = "reply"
	TypeError  = "error"
)
