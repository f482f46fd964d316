// Package auth 从可信网关注入的请求头中解析调用方身份。认证本身由网关完成。
package auth

import (
	"errors"
	"strings"
)

// 网关注入的默认请求头。
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserType = "X-User-Type"
)

// DefaultUserType 为未携带类型头时使用的用户类型。
const DefaultUserType = "guest"

// ErrMissingIdentity 表示请求缺少用户身份。
var ErrMissingIdentity = errors.New("missing user identity")

// Subject 描述发起请求的用户。
type Subject struct {
	ID   string
	Type string
}

// normalise 去掉首尾空白并补全用户类型。
func (s *Subject) normalise() {
	if s == nil {
		return
	}
	s.ID = strings.TrimSpace(s.ID)
	s.Type = strings.ToLower(strings.TrimSpace(s.Type))
	if s.Type == "" {
		s.Type = DefaultUserType
	}
}
