package pg

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"

	"retrykit/pkg/retry"
)

// Коды ошибок PostgreSQL, после которых операцию можно повторить.
// https://www.postgresql.org/docs/current/errcodes-appendix.html
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
)

// Классы целиком считаются временными: 08 (connection exception),
// 53 (insufficient resources), 57 (operator intervention).
var transientClasses = []string{"08", "53", "57"}

// Transient распознаёт временные ошибки: потерю соединения, нехватку
// ресурсов, перезапуск сервера, конфликты сериализации и сетевые сбои.
// Ошибки аутентификации и синтаксиса временными не считаются.
var Transient retry.Kind = retry.KindFunc(IsTransient)

// SerializationFailure распознаёт только конфликты сериализации и дедлоки.
// Используется TxRunner: повторять имеет смысл всю транзакцию целиком.
var SerializationFailure retry.Kind = retry.KindFunc(func(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == codeSerializationFailure || pgErr.Code == codeDeadlockDetected
})

// IsTransient сообщает, стоит ли повторять операцию после err.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return isTransientCode(pgErr.Code)
	}

	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTemporary || dnsErr.IsTimeout || dnsErr.IsNotFound
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Timeout() {
			return true
		}
		switch {
		case errors.Is(opErr.Err, syscall.ECONNREFUSED),
			errors.Is(opErr.Err, syscall.ECONNRESET),
			errors.Is(opErr.Err, syscall.ENETUNREACH),
			errors.Is(opErr.Err, syscall.EHOSTUNREACH):
			return true
		}
	}

	// Сообщения драйвера, не обёрнутые в типизированные ошибки.
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"unexpected eof",
		"server closed the connection",
		"the database system is starting up",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func isTransientCode(code string) bool {
	for _, class := range transientClasses {
		if strings.HasPrefix(code, class) {
			return true
		}
	}
	switch code {
	case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
		return true
	}
	return false
}
