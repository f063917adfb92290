package githubclt

import "context"

// IsOrgMember reports whether login is a member of org.
func (clt *Client) IsOrgMember(ctx context.Context, org, login string) (bool, error) {
	isMember, resp, err := clt.restClt.Organizations.IsMember(ctx, org, login)
	if err != nil {
		if resp != nil && resp.StatusCode == 404 {
			return false, nil
		}
		return false, clt.wrapRetryableErrors(err)
	}

	return isMember, nil
}

// IsTeamMember reports whether login belongs to the team identified by
// teamSlug within org.
func (clt *Client) IsTeamMember(ctx context.Context, org, teamSlug, login string) (bool, error) {
	membership, resp, err := clt.restClt.Teams.GetTeamMembershipBySlug(ctx, org, teamSlug, login)
	if err != nil {
		if resp != nil && resp.StatusCode == 404 {
			return false, nil
		}
		return false, clt.wrapRetryableErrors(err)
	}

	return membership.GetState() == "active", nil
}
