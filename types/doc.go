// Package types provides core types used across the quorum kernel.
// This package has ZERO dependencies on other quorum packages to avoid circular imports.
// All other packages should import types from here.
package types
