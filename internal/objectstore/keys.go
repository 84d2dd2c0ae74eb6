// Copyright 2025 Archiver Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package objectstore

import "strings"

const (
	dataSuffix     = ".jsonl.gz"
	metadataSuffix = ".metadata.json"
	manifestSuffix = ".manifest.json"
)

// stem strips whichever of the three batch-object suffixes key ends in,
// returning the shared filename base the restore engine and validator use
// to derive a batch's sibling objects from any one of them.
func stem(key string) string {
	for _, suffix := range []string{dataSuffix, metadataSuffix, manifestSuffix} {
		if strings.HasSuffix(key, suffix) {
			return strings.TrimSuffix(key, suffix)
		}
	}
	return key
}

// SiblingDataKey returns the .jsonl.gz key for the same batch as key, which
// may itself be a data, metadata, or manifest key.
func SiblingDataKey(key string) string { return stem(key) + dataSuffix }

// SiblingMetadataKey returns the .metadata.json key for the same batch.
func SiblingMetadataKey(key string) string { return stem(key) + metadataSuffix }

// SiblingManifestKey returns the .manifest.json key for the same batch.
func SiblingManifestKey(key string) string { return stem(key) + manifestSuffix }

// IsDataKey reports whether key names a batch's compressed data object
// (as opposed to its metadata or manifest sidecar).
func IsDataKey(key string) bool { return strings.HasSuffix(key, dataSuffix) }
