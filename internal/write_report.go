// Copyright 2023 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package internal

const (
	OutcomeComplete  = "complete"
	OutcomePartial   = "partial"
	OutcomeDiscarded = "discarded"
)

// WriteReport describes how much of one record reached the store.
// A record whose parent write failed has no report.
type WriteReport struct {
	Attempted int
	// FailedQuantities holds the names of the quantities that were not written.
	FailedQuantities []string
}

func (r WriteReport) Outcome() string {
	if len(r.FailedQuantities) == 0 {
		return OutcomeComplete
	}
	return OutcomePartial
}
