package taskqueue

import "unsafe"

// A queue entry must stay one machine word.
var _ [8 - int(unsafe.Sizeof(ScannerTask(0)))]byte
var _ [int(unsafe.Sizeof(ScannerTask(0))) - 8]byte
