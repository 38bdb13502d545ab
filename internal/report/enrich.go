package report

import (
	"fmt"
	"regexp"
	"strings"
)

// Keys of the lines injected by the enricher.
const (
	KeyContingencyStatus = "dsaContingencyStatus"
	KeyLimitViolation    = "dsaLimitViolation"
)

// contingencyKeyPattern matches the keys engines use for the per-contingency
// subtrees of a report.
var contingencyKeyPattern = regexp.MustCompile(`(?i)^(?:[a-z]+\.)?(?:sa|dsa)?(?:post)?contingenc(?:y|ies)?(?:Simulation|Computation)?$`)

// ConvergedStatus is the engine status of a contingency that converged.
const ConvergedStatus = "CONVERGED"

// LimitViolation is one limit exceeded after a contingency.
type LimitViolation struct {
	SubjectID          string  `json:"subjectId"`
	LimitType          string  `json:"limitType"`
	LimitName          string  `json:"limitName,omitempty"`
	Limit              float64 `json:"limit"`
	Value              float64 `json:"value"`
	Side               string  `json:"side,omitempty"`
	AcceptableDuration int     `json:"acceptableDuration,omitempty"`
}

// ContingencyOutcome is what the enricher annotates a contingency subtree with.
type ContingencyOutcome struct {
	ContingencyID string
	Status        string
	Violations    []LimitViolation
}

// Enrich walks the tree rooted at root and, for every contingency subtree
// matching an outcome, appends a status line and one line per limit
// violation. Engine-produced lines are never modified and subtrees already
// carrying a status line are left alone. It returns the number of subtrees
// annotated.
func Enrich(root *Node, outcomes []ContingencyOutcome) int {
	if root == nil || len(outcomes) == 0 {
		return 0
	}

	matchers := make([]*regexp.Regexp, len(outcomes))
	for i, o := range outcomes {
		matchers[i] = idPattern(o.ContingencyID)
	}

	enriched := 0
	root.Walk(func(n *Node) bool {
		if !contingencyKeyPattern.MatchString(n.Key) {
			return true
		}
		for i, o := range outcomes {
			if !matchesContingency(n, o.ContingencyID, matchers[i]) {
				continue
			}
			if !n.HasChild(KeyContingencyStatus) {
				annotate(n, o)
				enriched++
			}
			return false
		}
		return true
	})
	return enriched
}

// idPattern matches id as a whole token. Dots belong to ids, except one
// closing a sentence.
func idPattern(id string) *regexp.Regexp {
	return regexp.MustCompile(`(?:^|[^\w.-])` + regexp.QuoteMeta(id) + `(?:$|[^\w.-]|\.(?:$|[^\w.-]))`)
}

func matchesContingency(n *Node, id string, re *regexp.Regexp) bool {
	if v, ok := n.Values["contingencyId"]; ok {
		return v == id
	}
	return re.MatchString(n.Message)
}

func annotate(n *Node, o ContingencyOutcome) {
	severity := SeverityInfo
	if !strings.EqualFold(o.Status, ConvergedStatus) {
		severity = SeverityError
	}
	status := n.Addf(KeyContingencyStatus, severity, "Contingency '%s' status: %s", o.ContingencyID, o.Status)
	status.Values = map[string]string{"contingencyId": o.ContingencyID, "status": o.Status}

	for _, v := range o.Violations {
		line := n.Add(KeyLimitViolation, describeViolation(v), SeverityWarn)
		line.Values = map[string]string{
			"subjectId": v.SubjectID,
			"limitType": v.LimitType,
		}
	}
}

func describeViolation(v LimitViolation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", v.SubjectID, v.LimitType)
	if v.LimitName != "" {
		fmt.Fprintf(&b, " '%s'", v.LimitName)
	}
	fmt.Fprintf(&b, " limit %.2f exceeded by value %.2f", v.Limit, v.Value)
	if v.Side != "" {
		fmt.Fprintf(&b, " on side %s", v.Side)
	}
	if v.AcceptableDuration > 0 {
		fmt.Fprintf(&b, " (acceptable duration %ds)", v.AcceptableDuration)
	}
	return b.String()
}
