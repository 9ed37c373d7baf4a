package domain

// Session identifies the actor performing an operation. It is passed
// explicitly to every operation that records who did something.
type Session struct {
	UserID string
}

func (s Session) Valid() bool {
	return s.UserID != ""
}
