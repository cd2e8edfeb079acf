package models

// SubscriptionTable maps an endpoint key to the actions registered for each
// OID on that endpoint. Once handed to the trap listener a table is read-only;
// changes are made on a Clone and installed as a whole.
type SubscriptionTable map[string]map[string]HandlerAction

// Clone returns a deep copy of the table.
func (t SubscriptionTable) Clone() SubscriptionTable {
	out := make(SubscriptionTable, len(t))
	for key, oids := range t {
		m := make(map[string]HandlerAction, len(oids))
		for oid, action := range oids {
			m[oid] = action
		}
		out[key] = m
	}
	return out
}

// Lookup returns the action for oid on the endpoint key, if any.
func (t SubscriptionTable) Lookup(key, oid string) (HandlerAction, bool) {
	oids, ok := t[key]
	if !ok {
		return HandlerAction{}, false
	}
	action, ok := oids[oid]
	return action, ok
}
