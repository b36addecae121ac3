package ippsrv

// Privacy filtering: attributes in a configured privacy set are redacted
// to no-value when the requester falls outside the configured scope.

// scopeAllows reports whether the requester may see private attributes.
func scopeAllows(scope, requester, owner string, admin bool) bool {
	switch scope {
	case "all":
		return true
	case "none":
		return false
	case "owner":
		return requester != "" && requester == owner
	default: // "default": owner or admin
		return admin || (requester != "" && requester == owner)
	}
}

// redactionFor computes the set of attribute names to redact for a
// requester, or nil when nothing is redacted. The requested attributes are
// not consulted: a private attribute is redacted whether or not it was
// requested by name.
func redactionFor(policy PrivacyPolicy, requester, owner string, admin bool) map[string]bool {
	if scopeAllows(policy.Scope, requester, owner, admin) {
		return nil
	}
	set := policy.privacySet()
	if set == nil {
		return nil
	}
	if set["*"] {
		// redact everything except identity and state
		return map[string]bool{"*": true}
	}
	return set
}

// redacted reports whether the named attribute is in the redaction set;
// describe paths replace such attributes with an out-of-band no-value.
func redacted(set map[string]bool, name string) bool {
	if set == nil {
		return false
	}
	if set["*"] {
		switch name {
		case "job-id", "job-uri", "job-state", "job-state-reasons",
			"notify-subscription-id", "document-number":
			return false
		}
		return true
	}
	return set[name]
}
