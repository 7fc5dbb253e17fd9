package ledger

// Principal is the privilege level a Store call runs with. Users only see and
// create their own rows; the system principal is used by webhook processing and
// the sweep.
type Principal struct {
	system bool
	userID string
}

// AsUser scopes a call to the identity-provider user id.
func AsUser(id string) Principal { return Principal{userID: id} }

// AsSystem grants unrestricted access.
func AsSystem() Principal { return Principal{system: true} }

func (p Principal) IsSystem() bool { return p.system }

func (p Principal) UserID() string { return p.userID }

func (p Principal) String() string {
	if p.system {
		return "system"
	}
	return "user:" + p.userID
}

// CanActAs reports whether p may write rows owned by customerID.
func (p Principal) CanActAs(customerID string) bool {
	return p.system || (p.userID != "" && p.userID == customerID)
}

// CanInsert reports whether p may create order.
func (p Principal) CanInsert(order Order) bool { return p.owns(order) }

// CanRead reports whether p may read order.
func (p Principal) CanRead(order Order) bool { return p.owns(order) }

func (p Principal) owns(order Order) bool {
	if p.system {
		return true
	}
	return order.CustomerID != nil && p.CanActAs(*order.CustomerID)
}
