// Package authentik implements a group provider backed by the authentik
// identity platform's REST API.
package authentik

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	api "goauthentik.io/api/v3"

	"codeberg.org/groupherd/groupherd/pkg/provider"
)

const driverName = "authentik"

type Driver struct {
	*provider.BaseProvider
	client   *api.APIClient
	pageSize int32
}

func New() provider.GroupProvider {
	return &Driver{
		BaseProvider: provider.NewBaseProvider(driverName, "ak", provider.Capabilities{
			MemberAdd:     true,
			MemberRemove:  true,
			RoleInfo:      false,
			UserLifecycle: true,
		}),
	}
}

func Register(registry *provider.Registry) error {
	return registry.Register(driverName, New)
}

func (d *Driver) Initialize(ctx context.Context, config map[string]any) error {
	d.SetConfig(config)

	url, err := d.GetStringConfig("url")
	if err != nil {
		return err
	}
	token, err := d.GetStringConfig("token")
	if err != nil {
		return err
	}

	d.pageSize = 100
	if v, ok := d.GetConfig("page_size"); ok {
		switch n := v.(type) {
		case int:
			d.pageSize = int32(n)
		case int64:
			d.pageSize = int32(n)
		case float64:
			d.pageSize = int32(n)
		}
	}

	apiConfig := api.NewConfiguration()
	apiConfig.Servers = api.ServerConfigurations{
		{
			URL: url,
		},
	}
	apiConfig.AddDefaultHeader("Authorization", fmt.Sprintf("Bearer %s", token))

	d.client = api.NewAPIClient(apiConfig)
	return nil
}

func (d *Driver) Validate(ctx context.Context) error {
	_, _, err := d.client.CoreApi.CoreUsersMeRetrieve(ctx).Execute()
	if err != nil {
		return fmt.Errorf("failed to connect to authentik: %w", err)
	}
	return nil
}

func (d *Driver) GetUserManagedGroups(ctx context.Context, userKey string) (*provider.OperationResult, error) {
	user, result := d.findUser(ctx, userKey)
	if result != nil {
		return result, nil
	}

	var groups []provider.Group
	page := int32(1)
	for {
		resp, httpResp, err := d.client.CoreApi.CoreGroupsList(ctx).
			MembersByPk([]int32{user.Pk}).
			Page(page).PageSize(d.pageSize).
			Execute()
		if err != nil {
			return classify(httpResp, err, "failed to list groups"), nil
		}

		for _, g := range resp.Results {
			groups = append(groups, provider.Group{ID: g.Pk, Name: g.Name})
		}

		if resp.Pagination.Next <= 0 {
			break
		}
		page = int32(resp.Pagination.Next)
	}

	return provider.Success(
		fmt.Sprintf("%s belongs to %d groups", userKey, len(groups)),
		groups,
	), nil
}

func (d *Driver) GetGroupMembers(ctx context.Context, groupKey string, filter provider.MemberFilter) (*provider.OperationResult, error) {
	group, httpResp, err := d.client.CoreApi.CoreGroupsRetrieve(ctx, groupKey).Execute()
	if err != nil {
		return classify(httpResp, err, fmt.Sprintf("failed to fetch group %s", groupKey)), nil
	}

	members := make([]provider.Member, 0, len(group.UsersObj))
	for _, u := range group.UsersObj {
		email := ""
		if u.Email != nil {
			email = *u.Email
		}
		members = append(members, provider.Member{
			ID:    strconv.Itoa(int(u.Pk)),
			Email: email,
		})
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
	user, result := d.findUser(ctx, member.Email)
	if result != nil {
		return result, nil
	}

	httpResp, err := d.client.CoreApi.CoreGroupsAddUserCreate(ctx, groupKey).
		UserAccountRequest(api.UserAccountRequest{Pk: user.Pk}).
		Execute()
	if err != nil {
		return classify(httpResp, err, fmt.Sprintf("failed to add %s to %s", member.Email, groupKey)), nil
	}

	return provider.Success(
		fmt.Sprintf("added %s to %s", member.Email, groupKey),
		nil,
	), nil
}

func (d *Driver) RemoveMember(ctx context.Context, groupKey string, member provider.Member, justification string) (*provider.OperationResult, error) {
	user, result := d.findUser(ctx, member.Email)
	if result != nil {
		return result, nil
	}

	httpResp, err := d.client.CoreApi.CoreGroupsRemoveUserCreate(ctx, groupKey).
		UserAccountRequest(api.UserAccountRequest{Pk: user.Pk}).
		Execute()
	if err != nil {
		return classify(httpResp, err, fmt.Sprintf("failed to remove %s from %s", member.Email, groupKey)), nil
	}

	return provider.Success(
		fmt.Sprintf("removed %s from %s", member.Email, groupKey),
		nil,
	), nil
}

// ValidatePermissions accepts superusers and anyone named in the group's
// "owners" attribute.
func (d *Driver) ValidatePermissions(ctx context.Context, userKey, groupKey string, action provider.Action) (*provider.OperationResult, error) {
	user, result := d.findUser(ctx, userKey)
	if result != nil {
		return result, nil
	}
	if user.GetIsSuperuser() {
		return provider.Success(fmt.Sprintf("%s is a superuser", userKey), nil), nil
	}

	group, httpResp, err := d.client.CoreApi.CoreGroupsRetrieve(ctx, groupKey).Execute()
	if err != nil {
		return classify(httpResp, err, fmt.Sprintf("failed to fetch group %s", groupKey)), nil
	}

	if owners, ok := group.Attributes["owners"].([]any); ok {
		for _, o := range owners {
			if s, ok := o.(string); ok && s == userKey {
				return provider.Success(
					fmt.Sprintf("%s owns group %s", userKey, groupKey),
					nil,
				), nil
			}
		}
	}

	return provider.Unauthorized(
		fmt.Sprintf("%s may not %s members of %s", userKey, action, groupKey),
	), nil
}

func (d *Driver) Close() error {
	return nil
}

// findUser resolves an email to an authentik user. The second return carries
// the failure result when resolution did not succeed.
func (d *Driver) findUser(ctx context.Context, email string) (*api.User, *provider.OperationResult) {
	resp, httpResp, err := d.client.CoreApi.CoreUsersList(ctx).
		Email(email).PageSize(2).
		Execute()
	if err != nil {
		return nil, classify(httpResp, err, fmt.Sprintf("failed to look up user %s", email))
	}
	if len(resp.Results) == 0 {
		return nil, provider.NotFound(fmt.Sprintf("no authentik user with email %s", email))
	}
	if len(resp.Results) > 1 {
		return nil, provider.Permanent(
			fmt.Sprintf("email %s matches multiple authentik users", email),
			"ambiguous_user",
		)
	}
	return &resp.Results[0], nil
}

// classify maps an authentik API failure onto the status taxonomy: auth
// failures and unknown resources are terminal, rate limits and server-side
// errors are retryable, and anything without a response is a network fault.
func classify(resp *http.Response, err error, message string) *provider.OperationResult {
	detail := fmt.Sprintf("%s: %v", message, err)

	if resp == nil {
		return provider.Transient(detail, "network_error")
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return provider.Unauthorized(detail)
	case resp.StatusCode == http.StatusNotFound:
		return provider.NotFound(detail)
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := 60 * time.Second
		if v := resp.Header.Get("Retry-After"); v != "" {
			if secs, perr := strconv.Atoi(v); perr == nil && secs > 0 {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return provider.RateLimited(detail, retryAfter)
	case resp.StatusCode >= 500:
		return provider.Transient(detail, fmt.Sprintf("http_%d", resp.StatusCode))
	default:
		return provider.Permanent(detail, fmt.Sprintf("http_%d", resp.StatusCode))
	}
}
