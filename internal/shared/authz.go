package shared

// Booking platform permissions, as resource:action pairs.
const (
	PermAppointmentsView   = "appointments:view"
	PermAppointmentsCreate = "appointments:create"
	PermAppointmentsEdit   = "appointments:edit"
	PermAppointmentsCancel = "appointments:cancel"

	PermServicesView = "services:view"
	PermServicesEdit = "services:edit"

	PermStaffView   = "staff:view"
	PermStaffEdit   = "staff:edit"
	PermStaffInvite = "staff:invite"

	PermBusinessesView = "businesses:view"
	PermBusinessesEdit = "businesses:edit"

	PermClosuresView = "closures:view"
	PermClosuresEdit = "closures:edit"

	PermDiscountsView = "discounts:view"
	PermDiscountsEdit = "discounts:edit"

	PermRolesView   = "roles:view"
	PermRolesAssign = "roles:assign"
)

// BookingScopes lists every permission the platform ships with.
func BookingScopes() []string {
	return []string{
		PermAppointmentsView,
		PermAppointmentsCreate,
		PermAppointmentsEdit,
		PermAppointmentsCancel,
		PermServicesView,
		PermServicesEdit,
		PermStaffView,
		PermStaffEdit,
		PermStaffInvite,
		PermBusinessesView,
		PermBusinessesEdit,
		PermClosuresView,
		PermClosuresEdit,
		PermDiscountsView,
		PermDiscountsEdit,
		PermRolesView,
		PermRolesAssign,
	}
}

// BuiltinRole describes a role seeded by migrations. These are the system
// roles: the backing store flags them immutable and non-deletable.
type BuiltinRole struct {
	Name        string
	DisplayName string
	Level       int
}

// Built-in role levels. Higher level means more authority.
const (
	LevelOwner    = 1000
	LevelAdmin    = 800
	LevelManager  = 500
	LevelStaff    = 100
	LevelCustomer = 10
)

// BuiltinRoles returns the roles every tenant starts with.
func BuiltinRoles() []BuiltinRole {
	return []BuiltinRole{
		{Name: "owner", DisplayName: "Business Owner", Level: LevelOwner},
		{Name: "admin", DisplayName: "Administrator", Level: LevelAdmin},
		{Name: "manager", DisplayName: "Manager", Level: LevelManager},
		{Name: "staff", DisplayName: "Staff Member", Level: LevelStaff},
		{Name: "customer", DisplayName: "Customer", Level: LevelCustomer},
	}
}
