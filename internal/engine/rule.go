package engine

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/dlclark/regexp2"
	"github.com/go-playground/validator/v10"
)

type RuleType string

const (
	RuleTypeURLRegex      RuleType = "URL-REGEX"
	RuleTypeDomain        RuleType = "DOMAIN"
	RuleTypeDomainSuffix  RuleType = "DOMAIN-SUFFIX"
	RuleTypeDomainKeyword RuleType = "DOMAIN-KEYWORD"
	RuleTypeHeaderKeyword RuleType = "HEADER-KEYWORD"
	RuleTypeHeaderRegex   RuleType = "HEADER-REGEX"
	RuleTypeFinal         RuleType = "FINAL"
)

type Action string

const (
	// ActionTunnel lets the scoped engine serve the request.
	ActionTunnel Action = "TUNNEL"
	// ActionBypass leaves the request to the next routing branch.
	ActionBypass Action = "BYPASS"
)

type Rule struct {
	Disabled bool `yaml:"disabled" json:"disabled,omitempty"`

	Type RuleType `yaml:"type" json:"type" validate:"required,oneof=URL-REGEX DOMAIN DOMAIN-SUFFIX DOMAIN-KEYWORD HEADER-KEYWORD HEADER-REGEX FINAL"`

	MatchHeader string `yaml:"match-header,omitempty" json:"match_header,omitempty" validate:"required_if=Type HEADER-KEYWORD,required_if=Type HEADER-REGEX"`
	MatchValue  string `yaml:"match-value,omitempty" json:"match_value,omitempty" validate:"required_unless=Type FINAL"`

	Action Action `yaml:"action" json:"action" validate:"required,oneof=TUNNEL BYPASS"`

	regex *regexp2.Regexp
}

func (r *Rule) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("type", string(r.Type)),
		slog.String("match_value", r.MatchValue),
		slog.String("action", string(r.Action)),
	)
}

// RuleSet is evaluated in order; the first matching rule decides.
type RuleSet struct {
	rules []*Rule
}

// NewRuleSet validates and compiles rules. Invalid rules are disabled and
// logged rather than failing the whole set.
func NewRuleSet(rules []Rule) *RuleSet {
	validate := validator.New()
	set := &RuleSet{}
	for i := range rules {
		rule := rules[i]
		if rule.Disabled {
			continue
		}
		rule.Type = RuleType(strings.ToUpper(string(rule.Type)))
		rule.Action = Action(strings.ToUpper(string(rule.Action)))
		if err := validate.Struct(&rule); err != nil {
			slog.Warn("Invalid engine rule", slog.Any("rule", &rule), slog.Any("error", err))
			continue
		}
		switch rule.Type {
		case RuleTypeURLRegex, RuleTypeHeaderRegex:
			regex, err := regexp2.Compile("(?i)"+rule.MatchValue, regexp2.None)
			if err != nil {
				slog.Warn("regexp2.Compile", slog.String("regex", rule.MatchValue), slog.Any("error", err))
				continue
			}
			rule.regex = regex
		case RuleTypeDomain, RuleTypeDomainSuffix, RuleTypeDomainKeyword:
			rule.MatchValue = strings.ToLower(rule.MatchValue)
		}
		set.rules = append(set.rules, &rule)
	}
	return set
}

func (s *RuleSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rules)
}

// Match returns the first rule matching target, or nil.
func (s *RuleSet) Match(r *http.Request, target *url.URL) *Rule {
	if s == nil {
		return nil
	}
	host := strings.ToLower(target.Hostname())
	for _, rule := range s.rules {
		matched := false
		switch rule.Type {
		case RuleTypeURLRegex:
			ok, err := rule.regex.MatchString(target.String())
			if err != nil {
				slog.Warn("rule.regex.MatchString", slog.Any("error", err))
			}
			matched = ok
		case RuleTypeDomain:
			matched = host == rule.MatchValue
		case RuleTypeDomainSuffix:
			matched = host == rule.MatchValue || strings.HasSuffix(host, "."+strings.TrimPrefix(rule.MatchValue, "."))
		case RuleTypeDomainKeyword:
			matched = strings.Contains(host, rule.MatchValue)
		case RuleTypeHeaderKeyword:
			header := r.Header.Get(rule.MatchHeader)
			matched = strings.Contains(strings.ToLower(header), strings.ToLower(rule.MatchValue))
		case RuleTypeHeaderRegex:
			ok, err := rule.regex.MatchString(r.Header.Get(rule.MatchHeader))
			if err != nil {
				slog.Warn("rule.regex.MatchString", slog.Any("error", err))
			}
			matched = ok
		case RuleTypeFinal:
			matched = true
		}
		if matched {
			slog.Debug("Engine rule matched", slog.Any("rule", rule), slog.String("target", target.String()))
			return rule
		}
	}
	return nil
}
