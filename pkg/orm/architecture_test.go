package orm

import (
	"testing"

	"entitykit/testutil"
)

func TestOrmDoesNotDependOnInternal(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.InternalImportForbidden, "orm is a public package")
	testutil.AssertNoTransitiveDependency(t, "entitykit/pkg/orm", testutil.InternalImportForbidden, "orm is a public package")
}
