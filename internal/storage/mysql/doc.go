// Package mysql persists chats, messages and stream registrations in MySQL.
// Schema changes ship as embedded SQL migrations under deploy/migrations.
package mysql
