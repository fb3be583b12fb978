// Package models registers every architecture the module can load.
package models

import (
	_ "github.com/llava-go/llava/model/models/llava"
)
