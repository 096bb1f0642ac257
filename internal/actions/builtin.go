package actions

// RegisterBuiltins registers the built-in plugins (core, http, fs) in the
// given registry.
func RegisterBuiltins(reg *Registry, httpCfg HTTPConfig, fsCfg FSConfig) error {
	if err := reg.RegisterPlugin("core", CoreActions()); err != nil {
		return err
	}
	if err := reg.RegisterPlugin("http", HTTPActions(httpCfg)); err != nil {
		return err
	}
	return reg.RegisterPlugin("fs", FSActions(fsCfg))
}
