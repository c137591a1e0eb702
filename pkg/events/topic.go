package events

import (
	"fmt"
	"strings"
)

// Topic is a named channel connections subscribe to.
type Topic string

// TopicKind classifies a topic by its prefix.
type TopicKind int

const (
	TopicKindInvalid TopicKind = iota
	TopicKindDomain
	TopicKindUser
	TopicKindGroup
)

const (
	domainPrefix = "domain:"
	userPrefix   = "user:"
	groupPrefix  = "group:"
)

const (
	TopicTasks       Topic = domainPrefix + "tasks"
	TopicLeaves      Topic = domainPrefix + "leaves"
	TopicAttendance  Topic = domainPrefix + "attendance"
	TopicProjects    Topic = domainPrefix + "projects"
	TopicPerformance Topic = domainPrefix + "performance"

	// AdminGroup is the privileged group name.
	AdminGroup       = "admin"
	TopicAdmin Topic = groupPrefix + AdminGroup
)

// UserTopic is the private topic of a single user.
func UserTopic(userID string) Topic {
	return Topic(userPrefix + userID)
}

// GroupTopic is the topic of a named group.
func GroupTopic(name string) Topic {
	return Topic(groupPrefix + name)
}

// ParseTopic validates a client supplied topic name.
func ParseTopic(s string) (Topic, error) {
	t := Topic(strings.TrimSpace(s))
	if t.Kind() == TopicKindInvalid {
		return "", fmt.Errorf("%w: %q", ErrInvalidTopic, s)
	}
	return t, nil
}

// Kind returns the topic classification. Unknown domain names and empty
// subjects are invalid.
func (t Topic) Kind() TopicKind {
	s := string(t)
	switch {
	case strings.HasPrefix(s, domainPrefix):
		switch t {
		case TopicTasks, TopicLeaves, TopicAttendance, TopicProjects, TopicPerformance:
			return TopicKindDomain
		}
		return TopicKindInvalid
	case strings.HasPrefix(s, userPrefix) && len(s) > len(userPrefix):
		return TopicKindUser
	case strings.HasPrefix(s, groupPrefix) && len(s) > len(groupPrefix):
		return TopicKindGroup
	}
	return TopicKindInvalid
}

// Subject is the part of the topic after its prefix.
func (t Topic) Subject() string {
	s := string(t)
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// Private reports whether joining the topic requires an identity.
func (t Topic) Private() bool {
	k := t.Kind()
	return k == TopicKindUser || k == TopicKindGroup
}

// String implements fmt.Stringer.
func (t Topic) String() string { return string(t) }
