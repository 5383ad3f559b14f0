// README: Embedded SQL migrations, applied at startup by infra.Migrate.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
