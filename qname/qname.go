package qname

import (
	"sort"
	"strings"
	"sync"

	apierrors "github.com/cubefs/contentrepo/errors"
)

const (
	DefaultURI     = ""
	SystemURI      = "http://www.alfresco.org/model/system/1.0"
	ContentURI     = "http://www.alfresco.org/model/content/1.0"
	ApplicationURI = "http://www.alfresco.org/model/application/1.0"
	ViewURI        = "http://www.alfresco.org/view/repository/1.0"
	ActionURI      = "http://www.alfresco.org/model/action/1.0"
	UserURI        = "http://www.alfresco.org/model/user/1.0"
	RuleURI        = "http://www.alfresco.org/model/rule/1.0"
	// ActionParameterURI qualifies persisted action and condition parameters.
	ActionParameterURI = "http://www.alfresco.org/model/action/parameter/1.0"

	SystemPrefix      = "sys"
	ContentPrefix     = "cm"
	ApplicationPrefix = "app"
	ViewPrefix        = "view"
	ActionPrefix      = "act"
	UserPrefix        = "usr"
	RulePrefix        = "rule"
)

// QName is a namespace qualified name.
type QName struct {
	Namespace string `json:"namespace"`
	LocalName string `json:"local_name"`
}

func New(namespace, localName string) QName {
	return QName{Namespace: namespace, LocalName: localName}
}

// String returns the full form {namespace}localName.
func (q QName) String() string {
	return "{" + q.Namespace + "}" + q.LocalName
}

func (q QName) IsZero() bool {
	return q.LocalName == "" && q.Namespace == ""
}

func (q QName) Validate() error {
	if q.LocalName == "" || strings.ContainsAny(q.LocalName, "{}") {
		return apierrors.ErrInvalidQName
	}
	return nil
}

// PrefixString returns prefix:localName, or the full form when the
// namespace has no registered prefix.
func (q QName) PrefixString(r *PrefixResolver) string {
	prefix, ok := r.GetPrefix(q.Namespace)
	if !ok {
		return q.String()
	}
	if prefix == "" {
		return q.LocalName
	}
	return prefix + ":" + q.LocalName
}

// Parse accepts {namespace}localName, prefix:localName or a bare local name
// in the default namespace.
func Parse(s string, r *PrefixResolver) (QName, error) {
	if strings.HasPrefix(s, "{") {
		end := strings.Index(s, "}")
		if end < 0 {
			return QName{}, apierrors.ErrInvalidQName
		}
		q := New(s[1:end], s[end+1:])
		return q, q.Validate()
	}
	prefix, local := "", s
	if i := strings.Index(s, ":"); i >= 0 {
		prefix, local = s[:i], s[i+1:]
	}
	uri, err := r.GetNamespaceURI(prefix)
	if err != nil {
		return QName{}, err
	}
	q := New(uri, local)
	return q, q.Validate()
}

func MustParse(s string, r *PrefixResolver) QName {
	q, err := Parse(s, r)
	if err != nil {
		panic(s + ": " + err.Error())
	}
	return q
}

// PrefixResolver maps namespace prefixes to URIs.
type PrefixResolver struct {
	lock     sync.RWMutex
	prefixes map[string]string
	uris     map[string]string
}

// NewPrefixResolver returns a resolver holding the repository's default prefixes.
func NewPrefixResolver() *PrefixResolver {
	r := &PrefixResolver{
		prefixes: make(map[string]string),
		uris:     make(map[string]string),
	}
	r.Register("", DefaultURI)
	r.Register(SystemPrefix, SystemURI)
	r.Register(ContentPrefix, ContentURI)
	r.Register(ApplicationPrefix, ApplicationURI)
	r.Register(ViewPrefix, ViewURI)
	r.Register(ActionPrefix, ActionURI)
	r.Register(UserPrefix, UserURI)
	r.Register(RulePrefix, RuleURI)
	return r
}

func (r *PrefixResolver) Register(prefix, uri string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.prefixes[prefix] = uri
	if _, ok := r.uris[uri]; !ok {
		r.uris[uri] = prefix
	}
}

func (r *PrefixResolver) GetNamespaceURI(prefix string) (string, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	uri, ok := r.prefixes[prefix]
	if !ok {
		return "", apierrors.ErrUnknownPrefix
	}
	return uri, nil
}

func (r *PrefixResolver) GetPrefix(uri string) (string, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	prefix, ok := r.uris[uri]
	return prefix, ok
}

// Prefixes returns the registered prefixes in sorted order.
func (r *PrefixResolver) Prefixes() []string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	ret := make([]string, 0, len(r.prefixes))
	for p := range r.prefixes {
		ret = append(ret, p)
	}
	sort.Strings(ret)
	return ret
}

// Clone returns an independent copy, used by importers that declare
// document scoped prefixes.
func (r *PrefixResolver) Clone() *PrefixResolver {
	r.lock.RLock()
	defer r.lock.RUnlock()
	c := &PrefixResolver{
		prefixes: make(map[string]string, len(r.prefixes)),
		uris:     make(map[string]string, len(r.uris)),
	}
	for k, v := range r.prefixes {
		c.prefixes[k] = v
	}
	for k, v := range r.uris {
		c.uris[k] = v
	}
	return c
}
