// Copyright 2021 UCL CS Diamant
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

// Package set provides small set operations on player id slices.
package set

// Difference returns the ids in a that are not in b. Order follows a;
// duplicates in a are kept.
func Difference(a []string, b []string) []string {
	hash := make(map[string]bool, len(b))
	for _, v := range b {
		hash[v] = true
	}

	var out []string
	for _, v := range a {
		if !hash[v] {
			out = append(out, v)
		}
	}
	return out
}

// Intersection returns the ids present in both a and b, in b's order
// without duplicates.
func Intersection(a []string, b []string) []string {
	hash := make(map[string]bool, len(a))
	for _, v := range a {
		hash[v] = true
	}

	var out []string
	for _, v := range b {
		if hash[v] {
			out = append(out, v)
			hash[v] = false
		}
	}
	return out
}
