package store

import (
	"net"
	"strings"
	"time"
)

type QuestionType string

const (
	QuestionRadio    QuestionType = "radio"
	QuestionText     QuestionType = "text"
	QuestionCheckbox QuestionType = "checkbox"
)

type Question struct {
	Type    QuestionType `json:"type"`
	Prompt  string       `json:"prompt"`
	Choices []string     `json:"choices,omitempty"`
	Answers []string     `json:"answers,omitempty"` // hidden from students until revealed
	Images  []string     `json:"images,omitempty"`  // blob keys
	Points  float64      `json:"points"`
}

type Poll struct {
	ID           string     `json:"id"`
	CourseID     string     `json:"courseId"`
	Title        string     `json:"title"`
	Points       float64    `json:"points"`
	Questions    []Question `json:"questions"`
	AssignmentID string     `json:"assignmentId,omitempty"` // Canvas line item id, set on first passback
	CreatedAt    int64      `json:"createdAt,omitempty"`
}

// TotalPoints sums the question points.
func (p Poll) TotalPoints() float64 {
	var sum float64
	for _, q := range p.Questions {
		sum += q.Points
	}
	return sum
}

// WithoutAnswers returns a copy safe to hand to students. Questions whose
// index is in reveal keep their answers.
func (p Poll) WithoutAnswers(reveal ...int) Poll {
	keep := map[int]bool{}
	for _, i := range reveal {
		keep[i] = true
	}
	out := p
	out.Questions = make([]Question, len(p.Questions))
	for i, q := range p.Questions {
		if !keep[i] {
			q.Answers = nil
		}
		out.Questions[i] = q
	}
	return out
}

type QuestionScore struct {
	Answer interface{} `json:"answer"` // string for radio/text, []string for checkbox
	Points float64     `json:"points"`
}

type Score struct {
	PollID    string          `json:"pollId"`
	UID       string          `json:"uid"`
	Points    float64         `json:"points"`
	Questions []QuestionScore `json:"questions"`
}

// Recompute sets Points to the sum of the per-question points.
func (s *Score) Recompute() {
	var sum float64
	for _, q := range s.Questions {
		sum += q.Points
	}
	s.Points = sum
}

// SetQuestion records an answer at index, growing the slice as needed.
func (s *Score) SetQuestion(index int, qs QuestionScore) {
	for len(s.Questions) <= index {
		s.Questions = append(s.Questions, QuestionScore{})
	}
	s.Questions[index] = qs
	s.Recompute()
}

type Course struct {
	ID            string   `json:"id"`
	LocalCourseID string   `json:"localCourseId"`
	Domain        string   `json:"domain"`
	AccessToken   string   `json:"-"`
	RefreshToken  string   `json:"-"`
	AGSToken      string   `json:"-"`
	Instructors   []string `json:"instructors"`
	CreatedAt     int64    `json:"createdAt,omitempty"`
}

func (c Course) HasInstructor(uid string) bool {
	for _, i := range c.Instructors {
		if i == uid {
			return true
		}
	}
	return false
}

// CourseKey builds the course id: the Canvas course id followed by the
// first label of the API domain ("1234" + "canvas.instructure.com" = "1234canvas").
func CourseKey(localCourseID, domain string) string {
	return localCourseID + DomainPrefix(domain)
}

func DomainPrefix(domain string) string {
	host := domain
	if h, _, err := net.SplitHostPort(domain); err == nil {
		host = h
	}
	if i := strings.IndexByte(host, '.'); i > 0 {
		return host[:i]
	}
	return host
}

// Consumer holds the credentials for one Canvas domain.
type Consumer struct {
	Domain       string `json:"domain"`
	BaseURL      string `json:"baseUrl"` // https://{domain} unless overridden
	Issuer       string `json:"issuer"`
	ClientID     string `json:"clientId"` // API developer key
	ClientSecret string `json:"-"`
	LTIClientID  string `json:"ltiClientId"` // LTI 1.3 developer key
	DeploymentID string `json:"deploymentId,omitempty"`
	KeyID        string `json:"keyId"`
	PrivateKey   string `json:"-"` // PEM, signs AGS client assertions
	AuthURL      string `json:"authUrl"`
	JWKSURL      string `json:"jwksUrl"`
	TokenURL     string `json:"tokenUrl,omitempty"`
	CreatedAt    int64  `json:"createdAt,omitempty"`
}

func (c Consumer) base() string {
	if c.BaseURL != "" {
		return strings.TrimSuffix(c.BaseURL, "/")
	}
	return "https://" + c.Domain
}

// TokenEndpoint is where code, refresh and client-assertion grants are exchanged.
func (c Consumer) TokenEndpoint() string {
	if c.TokenURL != "" {
		return c.TokenURL
	}
	return c.base() + "/login/oauth2/token"
}

// AuthorizeEndpoint is the OAuth2 authorize URL for the API developer key.
func (c Consumer) AuthorizeEndpoint() string {
	return c.base() + "/login/oauth2/auth"
}

// APIBase is the REST root, e.g. https://canvas.example.edu.
func (c Consumer) APIBase() string {
	return c.base()
}

const (
	TempLaunch = "launch" // OIDC state + nonce
	TempEnable = "enable" // course enablement via OAuth code flow
)

type Temp struct {
	State         string
	Kind          string
	Nonce         string
	Domain        string
	CourseID      string
	LocalCourseID string
	UID           string
	Name          string
	ExpiresAt     time.Time
}
