package repository

import (
	"errors"
	"fmt"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("record not found")

// StorageError 持久化失败，事务已整体回滚
type StorageError struct {
	Op       string // begin / ensure_device / insert_report / commit
	DeviceID int64
	Err      error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed for microcontroller %d: %v", e.Op, e.DeviceID, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
