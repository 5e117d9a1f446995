package util

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rabbitmq/amqp091-go"
)

// 文档库/实时流错误分类
const (
	KindPermissionDenied = "permission_denied"
	KindIndexMissing     = "index_missing"
	KindNotFound         = "not_found"
	KindTimeout          = "timeout"
	KindCanceled         = "canceled"
	KindNetwork          = "network_error"
	KindQueryFailed      = "query_failed"
)

// ErrPermissionDenied 可被各层包装后返回，ClassifyStoreError 会识别
var ErrPermissionDenied = errors.New("permission denied")

// ErrNotFound 文档不存在
var ErrNotFound = errors.New("email document not found")

// ClassifyStoreError 判断错误类型
// Returns: (kind, isRetryable)
func ClassifyStoreError(err error) (string, bool) {
	if err == nil {
		return "", false
	}

	if errors.Is(err, ErrPermissionDenied) {
		return KindPermissionDenied, false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "42501": // insufficient_privilege
			return KindPermissionDenied, false
		case "42P01", "42703", "42704": // undefined table / column / object
			return KindIndexMissing, false
		case "57014": // query_canceled (statement_timeout)
			return KindTimeout, true
		}
		return KindQueryFailed, false
	}

	var amqpErr *amqp091.Error
	if errors.As(err, &amqpErr) {
		if amqpErr.Code == amqp091.AccessRefused {
			return KindPermissionDenied, false
		}
		return KindNetwork, amqpErr.Recover
	}

	if errors.Is(err, ErrNotFound) || errors.Is(err, pgx.ErrNoRows) {
		return KindNotFound, false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout, true
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled, false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout, true
		}
		return KindNetwork, true
	}

	if strings.Contains(strings.ToLower(err.Error()), "permission denied") {
		return KindPermissionDenied, false
	}

	return KindQueryFailed, false
}

// IsPermissionDenied 实时订阅遇到该错误时需要清空本地列表
func IsPermissionDenied(err error) bool {
	kind, _ := ClassifyStoreError(err)
	return kind == KindPermissionDenied
}
