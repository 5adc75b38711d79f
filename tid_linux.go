// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package memory

import "golang.org/x/sys/unix"

// threadID returns a stable identifier of the executing OS thread. It is
// only ever hashed to pick a CPU heap.
func threadID() int { return unix.Gettid() }
