package lti

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/livelearn/livelearn/internal/rbac"
)

const (
	msgTypeResourceLink = "LtiResourceLinkRequest"
	ltiVersion          = "1.3.0"
)

const (
	roleMembershipPrefix  = "http://purl.imsglobal.org/vocab/lis/v2/membership#"
	roleInstitutionPrefix = "http://purl.imsglobal.org/vocab/lis/v2/institution/person#"

	// membership/{principal}#{sub-role}
	roleMembershipSubPrefix = "http://purl.imsglobal.org/vocab/lis/v2/membership/"
)

type contextClaim struct {
	ID    string `json:"id"`
	Label string `json:"label,omitempty"`
	Title string `json:"title,omitempty"`
}

// LaunchClaims is the part of the id_token a launch needs.
type LaunchClaims struct {
	Nonce        string            `json:"nonce"`
	Name         string            `json:"name,omitempty"`
	MessageType  string            `json:"https://purl.imsglobal.org/spec/lti/claim/message_type"`
	Version      string            `json:"https://purl.imsglobal.org/spec/lti/claim/version"`
	DeploymentID string            `json:"https://purl.imsglobal.org/spec/lti/claim/deployment_id"`
	Context      contextClaim      `json:"https://purl.imsglobal.org/spec/lti/claim/context"`
	Roles        []string          `json:"https://purl.imsglobal.org/spec/lti/claim/roles"`
	Custom       map[string]string `json:"https://purl.imsglobal.org/spec/lti/claim/custom,omitempty"`
	jwt.RegisteredClaims
}

// LocalCourseID prefers Canvas's numeric course id over the opaque context id.
func (c LaunchClaims) LocalCourseID() string {
	if id := strings.TrimSpace(c.Custom["canvas_course_id"]); id != "" && !strings.HasPrefix(id, "$") {
		return id
	}
	return c.Context.ID
}

// APIDomain is the Canvas host the course lives on, when the placement
// passes it as a custom variable.
func (c LaunchClaims) APIDomain(fallback string) string {
	if d := strings.TrimSpace(c.Custom["canvas_api_domain"]); d != "" && !strings.HasPrefix(d, "$") {
		return d
	}
	return fallback
}

// MapRole collapses LTI roles into instructor or student. Only course
// membership roles count, plus the institution Administrator; what a user
// is elsewhere in the account never grants course rights. Instructor wins
// when both are present.
func MapRole(roles []string) (string, error) {
	student := false
	for _, r := range roles {
		if r == roleInstitutionPrefix+"Administrator" {
			return rbac.RoleInstructor, nil
		}
		switch membershipRole(r) {
		case "Instructor", "TeachingAssistant":
			return rbac.RoleInstructor, nil
		case "Learner":
			student = true
		}
	}
	if student {
		return rbac.RoleStudent, nil
	}
	return "", ErrUnauthorizedRole
}

// membershipRole returns the principal context role of r, or "" when r is
// from another vocabulary. Accepted forms:
//
//	http://purl.imsglobal.org/vocab/lis/v2/membership#Instructor
//	http://purl.imsglobal.org/vocab/lis/v2/membership/Instructor#TeachingAssistant
//	Instructor
func membershipRole(r string) string {
	switch {
	case strings.HasPrefix(r, roleMembershipPrefix):
		return strings.TrimPrefix(r, roleMembershipPrefix)
	case strings.HasPrefix(r, roleMembershipSubPrefix):
		principal, _, _ := strings.Cut(strings.TrimPrefix(r, roleMembershipSubPrefix), "#")
		return principal
	case !strings.ContainsAny(r, ":/#"):
		return r
	}
	return ""
}
