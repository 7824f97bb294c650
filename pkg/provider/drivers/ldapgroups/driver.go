// Package ldapgroups implements a group provider over an LDAP directory.
// Groups are entries whose membership attribute holds member DNs.
package ldapgroups

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-ldap/ldap/v3"

	"codeberg.org/groupherd/groupherd/pkg/provider"
)

const driverName = "ldap"

type Driver struct {
	*provider.BaseProvider

	mu   sync.Mutex
	conn *ldap.Conn

	url          string
	bindDN       string
	bindPassword string
	userBaseDN   string
	groupBaseDN  string
	userFilter   string
	memberAttr   string
	ownerAttr    string
	startTLS     bool
}

func New() provider.GroupProvider {
	return &Driver{
		BaseProvider: provider.NewBaseProvider(driverName, "ldap", provider.Capabilities{
			MemberAdd:    true,
			MemberRemove: true,
		}),
	}
}

func Register(registry *provider.Registry) error {
	return registry.Register(driverName, New)
}

func (d *Driver) Initialize(ctx context.Context, config map[string]any) error {
	d.SetConfig(config)

	var err error
	required := map[string]*string{
		"url":          &d.url,
		"bindDN":       &d.bindDN,
		"bindPassword": &d.bindPassword,
		"userBaseDN":   &d.userBaseDN,
		"groupBaseDN":  &d.groupBaseDN,
	}
	for key, dst := range required {
		if *dst, err = d.GetStringConfig(key); err != nil {
			return fmt.Errorf("ldap driver: %w", err)
		}
	}

	d.userFilter = "(&(objectClass=person)(mail=%s))"
	if v, err := d.GetStringConfig("userFilter"); err == nil && v != "" {
		d.userFilter = v
	}
	d.memberAttr = "member"
	if v, err := d.GetStringConfig("memberAttribute"); err == nil && v != "" {
		d.memberAttr = v
	}
	d.ownerAttr = "owner"
	if v, err := d.GetStringConfig("ownerAttribute"); err == nil && v != "" {
		d.ownerAttr = v
	}
	if v, ok := d.GetConfig("startTLS"); ok {
		if b, ok := v.(bool); ok {
			d.startTLS = b
		}
	}

	return nil
}

func (d *Driver) Validate(ctx context.Context) error {
	conn, err := d.connect()
	if err != nil {
		return err
	}
	_ = conn
	return nil
}

// connect dials and binds lazily, reusing the connection across calls.
// Callers must hold no assumptions about connection freshness: a stale
// connection surfaces as a network error and the next call redials.
func (d *Driver) connect() (*ldap.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn != nil && !d.conn.IsClosing() {
		return d.conn, nil
	}

	conn, err := ldap.DialURL(d.url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial LDAP: %w", err)
	}

	if d.startTLS {
		if err := conn.StartTLS(nil); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to start TLS: %w", err)
		}
	}

	if err := conn.Bind(d.bindDN, d.bindPassword); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ldap bind failed: %w", err)
	}

	d.conn = conn
	return conn, nil
}

func (d *Driver) dropConn() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		d.conn.Close()
		d.conn = nil
	}
}

func (d *Driver) GetUserManagedGroups(ctx context.Context, userKey string) (*provider.OperationResult, error) {
	userDN, result := d.findUserDN(userKey)
	if result != nil {
		return result, nil
	}

	conn, err := d.connect()
	if err != nil {
		return provider.Transient(err.Error(), "connect_failed"), nil
	}

	search := ldap.NewSearchRequest(
		d.groupBaseDN, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases,
		0, 0, false,
		fmt.Sprintf("(%s=%s)", d.memberAttr, ldap.EscapeFilter(userDN)),
		[]string{"cn", "description"}, nil,
	)
	sr, err := conn.Search(search)
	if err != nil {
		d.dropConn()
		return classify(err, fmt.Sprintf("failed to list groups for %s", userKey)), nil
	}

	groups := make([]provider.Group, 0, len(sr.Entries))
	for _, entry := range sr.Entries {
		groups = append(groups, provider.Group{
			ID:          entry.DN,
			Name:        entry.GetAttributeValue("cn"),
			Description: entry.GetAttributeValue("description"),
		})
	}

	return provider.Success(
		fmt.Sprintf("%s belongs to %d groups", userKey, len(groups)),
		groups,
	), nil
}

func (d *Driver) GetGroupMembers(ctx context.Context, groupKey string, filter provider.MemberFilter) (*provider.OperationResult, error) {
	conn, err := d.connect()
	if err != nil {
		return provider.Transient(err.Error(), "connect_failed"), nil
	}

	search := ldap.NewSearchRequest(
		groupKey, ldap.ScopeBaseObject, ldap.NeverDerefAliases,
		0, 0, false, "(objectClass=*)", []string{d.memberAttr}, nil,
	)
	sr, err := conn.Search(search)
	if err != nil {
		d.dropConn()
		return classify(err, fmt.Sprintf("failed to fetch group %s", groupKey)), nil
	}
	if len(sr.Entries) == 0 {
		return provider.NotFound(fmt.Sprintf("group %s not found", groupKey)), nil
	}

	dns := sr.Entries[0].GetAttributeValues(d.memberAttr)
	members := make([]provider.Member, 0, len(dns))
	for _, dn := range dns {
		members = append(members, provider.Member{ID: dn})
		if filter.PageSize > 0 && len(members) >= filter.PageSize {
			break
		}
	}

	return provider.Success(
		fmt.Sprintf("group %s has %d members", groupKey, len(members)),
		members,
	), nil
}

func (d *Driver) AddMember(ctx context.Context, groupKey string, member provider.Member, justification string) (*provider.OperationResult, error) {
	userDN, result := d.findUserDN(member.Email)
	if result != nil {
		return result, nil
	}

	conn, err := d.connect()
	if err != nil {
		return provider.Transient(err.Error(), "connect_failed"), nil
	}

	mod := ldap.NewModifyRequest(groupKey, nil)
	mod.Add(d.memberAttr, []string{userDN})

	if err := conn.Modify(mod); err != nil {
		// Already a member counts as done.
		if ldap.IsErrorWithCode(err, ldap.LDAPResultAttributeOrValueExists) ||
			ldap.IsErrorWithCode(err, ldap.LDAPResultEntryAlreadyExists) {
			return provider.Success(
				fmt.Sprintf("%s is already in %s", member.Email, groupKey),
				nil,
			), nil
		}
		if networkFault(err) {
			d.dropConn()
		}
		return classify(err, fmt.Sprintf("failed to add %s to %s", member.Email, groupKey)), nil
	}

	return provider.Success(
		fmt.Sprintf("added %s to %s", member.Email, groupKey),
		nil,
	), nil
}

func (d *Driver) RemoveMember(ctx context.Context, groupKey string, member provider.Member, justification string) (*provider.OperationResult, error) {
	userDN, result := d.findUserDN(member.Email)
	if result != nil {
		return result, nil
	}

	conn, err := d.connect()
	if err != nil {
		return provider.Transient(err.Error(), "connect_failed"), nil
	}

	mod := ldap.NewModifyRequest(groupKey, nil)
	mod.Delete(d.memberAttr, []string{userDN})

	if err := conn.Modify(mod); err != nil {
		// Already absent counts as done.
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchAttribute) {
			return provider.Success(
				fmt.Sprintf("%s is not in %s", member.Email, groupKey),
				nil,
			), nil
		}
		if networkFault(err) {
			d.dropConn()
		}
		return classify(err, fmt.Sprintf("failed to remove %s from %s", member.Email, groupKey)), nil
	}

	return provider.Success(
		fmt.Sprintf("removed %s from %s", member.Email, groupKey),
		nil,
	), nil
}

// ValidatePermissions accepts users listed in the group's owner attribute.
func (d *Driver) ValidatePermissions(ctx context.Context, userKey, groupKey string, action provider.Action) (*provider.OperationResult, error) {
	userDN, result := d.findUserDN(userKey)
	if result != nil {
		return result, nil
	}

	conn, err := d.connect()
	if err != nil {
		return provider.Transient(err.Error(), "connect_failed"), nil
	}

	search := ldap.NewSearchRequest(
		groupKey, ldap.ScopeBaseObject, ldap.NeverDerefAliases,
		0, 0, false, "(objectClass=*)", []string{d.ownerAttr}, nil,
	)
	sr, err := conn.Search(search)
	if err != nil {
		d.dropConn()
		return classify(err, fmt.Sprintf("failed to fetch group %s", groupKey)), nil
	}
	if len(sr.Entries) == 0 {
		return provider.NotFound(fmt.Sprintf("group %s not found", groupKey)), nil
	}

	for _, owner := range sr.Entries[0].GetAttributeValues(d.ownerAttr) {
		if owner == userDN {
			return provider.Success(
				fmt.Sprintf("%s owns group %s", userKey, groupKey),
				nil,
			), nil
		}
	}

	return provider.Unauthorized(
		fmt.Sprintf("%s may not %s members of %s", userKey, action, groupKey),
	), nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		err := d.conn.Close()
		d.conn = nil
		return err
	}
	return nil
}

// findUserDN resolves an email to a directory entry. The second return
// carries the failure result when resolution did not succeed.
func (d *Driver) findUserDN(email string) (string, *provider.OperationResult) {
	conn, err := d.connect()
	if err != nil {
		return "", provider.Transient(err.Error(), "connect_failed")
	}

	search := ldap.NewSearchRequest(
		d.userBaseDN, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases,
		2, 0, false,
		fmt.Sprintf(d.userFilter, ldap.EscapeFilter(email)),
		[]string{"dn"}, nil,
	)
	sr, err := conn.Search(search)
	if err != nil {
		if networkFault(err) {
			d.dropConn()
		}
		return "", classify(err, fmt.Sprintf("failed to look up user %s", email))
	}
	if len(sr.Entries) == 0 {
		return "", provider.NotFound(fmt.Sprintf("no directory entry with email %s", email))
	}
	if len(sr.Entries) > 1 {
		return "", provider.Permanent(
			fmt.Sprintf("email %s matches multiple directory entries", email),
			"ambiguous_user",
		)
	}
	return sr.Entries[0].DN, nil
}

// classify maps an LDAP result code onto the status taxonomy: missing
// entries are NOT_FOUND, access problems are terminal, busy or unavailable
// servers are retryable, and network faults are retryable.
func classify(err error, message string) *provider.OperationResult {
	detail := fmt.Sprintf("%s: %v", message, err)

	switch {
	case ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject):
		return provider.NotFound(detail)
	case ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials),
		ldap.IsErrorWithCode(err, ldap.LDAPResultInsufficientAccessRights),
		ldap.IsErrorWithCode(err, ldap.LDAPResultAuthorizationDenied):
		return provider.Unauthorized(detail)
	case ldap.IsErrorWithCode(err, ldap.LDAPResultBusy),
		ldap.IsErrorWithCode(err, ldap.LDAPResultUnavailable),
		ldap.IsErrorWithCode(err, ldap.LDAPResultUnwillingToPerform),
		networkFault(err):
		return provider.Transient(detail, "ldap_unavailable")
	default:
		return provider.Permanent(detail, "ldap_error")
	}
}

func networkFault(err error) bool {
	return ldap.IsErrorAnyOf(err,
		ldap.ErrorNetwork,
	)
}
