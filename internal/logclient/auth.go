package logclient

import (
	"fmt"

	"github.com/jcmturner/gokrb5/v8/client"
	"github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/keytab"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/kerberos"
)

// KerberosConfig carries the operator-supplied settings for Kerberos
// (SASL/GSSAPI) authentication. The config package has no key for it and
// cmd/eventcored does not use it; a caller that needs Kerberos passes the
// kgo.Opt from Opt to kgo.NewClient itself.
type KerberosConfig struct {
	KrbConfigPath string
	KeytabPath    string
	Username      string
	Realm         string
	ServiceName   string
}

// Opt builds the kgo.Opt wiring a Kerberos-authenticated SASL mechanism
// into the client, mirroring the sasl/kerberos reference package's
// pattern of building a gokrb5 client and handing it to kerberos.Auth.
func (c KerberosConfig) Opt() (kgo.Opt, error) {
	cfg, err := config.Load(c.KrbConfigPath)
	if err != nil {
		return nil, fmt.Errorf("logclient: loading krb5 config: %w", err)
	}
	kt, err := keytab.Load(c.KeytabPath)
	if err != nil {
		return nil, fmt.Errorf("logclient: loading keytab: %w", err)
	}
	cl := client.NewWithKeytab(c.Username, c.Realm, kt, cfg)

	mech := kerberos.Auth{
		Client:           cl,
		Service:          c.ServiceName,
		PersistAfterAuth: true,
	}.AsMechanism()

	return kgo.SASL(mech), nil
}
