// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package clients

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates the remote service has no such record.
var ErrNotFound = errors.New("not found")

// ErrGraphNotFound indicates no workflow definition exists for the
// requested workflow id.
var ErrGraphNotFound = errors.New("workflow graph not found")

// ServiceError wraps a failed call to a collaborator service.
type ServiceError struct {
	URL    string
	Status int
	Body   string
	Err    error
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("service call %s failed: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("service call %s failed with status %d: %s", e.URL, e.Status, e.Body)
}

func (e *ServiceError) Unwrap() error { return e.Err }
