package internal

// DelegateWriteStreamInfo is a callback function type to report the number of bytes written per cycle to disk.
// A negative value rolls back bytes that were reported by a failed attempt.
type DelegateWriteStreamInfo func(writeBytes int64)

// DelegateFileProcessed is a callback function type to report when a single file of a batch is done
type DelegateFileProcessed func(processed, total int, path string)
