package pipe

import (
	"fmt"

	"github.com/nadorp/logpipe/pkg/apperr"
)

func duplicateNameError(name string) error {
	return apperr.New(apperr.KindConfig, apperr.CodeConfigDuplicate, "pipe", "Add",
		fmt.Sprintf("duplicate persistent pipe name %q", name))
}
