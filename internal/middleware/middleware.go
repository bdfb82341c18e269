package middleware

const (
	// Authoring roles
	TrainerRole = "trainer"
	StaffRole   = "staff"

	// Review roles
	ReviewerRole = "reviewer"

	// Elevated roles (prefix-matched, platform convention)
	AdminRole   = "admin"
	ManagerRole = "manager"
)
