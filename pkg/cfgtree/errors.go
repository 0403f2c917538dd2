package cfgtree

import (
	"fmt"

	"github.com/nadorp/logpipe/pkg/apperr"
)

func duplicateDefinitionError(content Content, name string) error {
	return apperr.New(apperr.KindConfig, apperr.CodeConfigDuplicate, "cfgtree", "Define",
		fmt.Sprintf("duplicate %s definition %q", content, name))
}

func undefinedReferenceError(content Content, name string, loc Location) error {
	return apperr.New(apperr.KindConfig, apperr.CodeConfigInvalid, "cfgtree", "compileNode",
		fmt.Sprintf("reference to undefined %s %q at %s:%d", content, name, loc.File, loc.Line))
}

func sourceOrderError(loc Location) error {
	return apperr.New(apperr.KindConfig, apperr.CodeConfigLayout, "cfgtree", "compileSequence",
		fmt.Sprintf("sources must come first in a sequence (%s:%d)", loc.File, loc.Line))
}

func mixedJunctionError(loc Location) error {
	return apperr.New(apperr.KindConfig, apperr.CodeConfigLayout, "cfgtree", "compileJunction",
		fmt.Sprintf("mixing source and non-source branches in the same junction (%s:%d)", loc.File, loc.Line))
}

func emptyJunctionError(loc Location) error {
	return apperr.New(apperr.KindConfig, apperr.CodeConfigLayout, "cfgtree", "compileJunction",
		fmt.Sprintf("junction has no branches (%s:%d)", loc.File, loc.Line))
}

func unknownContentError(content Content, loc Location) error {
	return apperr.New(apperr.KindConfig, apperr.CodeConfigInvalid, "cfgtree", "compileSingle",
		fmt.Sprintf("single node has no object for content kind %s (%s:%d)", content, loc.File, loc.Line))
}
