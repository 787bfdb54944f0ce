package session

// Role identifies who authored a chat turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Turn is one message in a wallet's chat history.
type Turn struct {
	ID        string `json:"id"`
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"` // Unix ms
}

// Profile is the per-wallet usage record stored next to the history blob.
type Profile struct {
	WalletAddress  string `json:"walletAddress"`
	Streak         int    `json:"streak"`
	LastActiveDate string `json:"lastActiveDate"` // YYYY-MM-DD, empty before first activity
	TotalMessages  int    `json:"totalMessages"`
	CreatedAt      int64  `json:"createdAt"` // Unix ms
}
