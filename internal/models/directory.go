package models

import (
	"fmt"
	"time"
)

// Scope partitions all EPG data: one account's view of one provider server.
type Scope struct {
	AccountID string `json:"account_id"`
	ServerID  int64  `json:"server_id"`
}

func (s Scope) String() string {
	return fmt.Sprintf("%s/%d", s.AccountID, s.ServerID)
}

// Account is a read-only directory record; accounts are managed elsewhere.
type Account struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

// Server is a provider server registered under an account. EPGURL may be
// empty, in which case the server is skipped by the refresh sweep.
type Server struct {
	ID        int64  `json:"id"`
	AccountID string `json:"account_id"`
	Name      string `json:"name"`
	EPGURL    string `json:"epg_url,omitempty"`
}

// Scope returns the refresh scope this server belongs to.
func (s *Server) Scope() Scope {
	return Scope{AccountID: s.AccountID, ServerID: s.ID}
}
