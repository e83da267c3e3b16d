package domain

// Rights is the coarse authorization level of a persisted user.
type Rights int

const (
	RightsUser Rights = iota
	RightsModerator
	RightsAdmin
)

type User struct {
	ID        int64
	Login     string
	Firstname string
	Lastname  string
	Email     string
	Rights    Rights
}

// Session is a short-lived token issued outside this core (login flow)
// and checked during mobile admission.
type Session struct {
	Token  string
	UserID int64 // zero when the token is anonymous
}
