package auth

import "sync"

// SessionManager binds verified claims to live connection ids so the rest of
// the system can answer permission questions per connection.
type SessionManager struct {
	mu       sync.RWMutex
	manager  *Manager
	sessions map[string]sessionRecord
}

type sessionRecord struct {
	claims Claims
	token  string
}

// NewSessionManager constructs a session manager backed by the credential
// manager.
func NewSessionManager(manager *Manager) *SessionManager {
	return &SessionManager{
		manager:  manager,
		sessions: make(map[string]sessionRecord),
	}
}

// Authenticate verifies the token and, on success, binds its claims to the
// connection id.
func (s *SessionManager) Authenticate(connectionID, token string) (Claims, error) {
	claims, err := s.manager.Verify(token)
	if err != nil {
		return Claims{}, err
	}

	s.mu.Lock()
	s.sessions[connectionID] = sessionRecord{claims: claims, token: token}
	s.mu.Unlock()
	return claims, nil
}

// ClaimsFor returns the claims bound to the connection, if any.
func (s *SessionManager) ClaimsFor(connectionID string) (Claims, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.sessions[connectionID]
	return record.claims, ok
}

// HasPermission reports whether the connection's bound claims include the
// named permission. Unauthenticated connections hold no permissions.
func (s *SessionManager) HasPermission(connectionID, permission string) bool {
	s.mu.RLock()
	record, ok := s.sessions[connectionID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return record.claims.HasPermission(permission)
}

// RefreshIfNeeded issues a replacement token when the bound token approaches
// expiry. The second return reports whether a new token was issued.
func (s *SessionManager) RefreshIfNeeded(connectionID string) (string, bool) {
	s.mu.RLock()
	record, ok := s.sessions[connectionID]
	s.mu.RUnlock()
	if !ok || !s.manager.NeedsRefresh(record.claims) {
		return "", false
	}

	newToken, err := s.manager.Refresh(record.token)
	if err != nil {
		return "", false
	}
	newClaims, err := s.manager.Verify(newToken)
	if err != nil {
		return "", false
	}

	s.mu.Lock()
	s.sessions[connectionID] = sessionRecord{claims: newClaims, token: newToken}
	s.mu.Unlock()
	return newToken, true
}

// Disconnect removes the binding for the connection. Safe to call twice.
func (s *SessionManager) Disconnect(connectionID string) {
	s.mu.Lock()
	delete(s.sessions, connectionID)
	s.mu.Unlock()
}
