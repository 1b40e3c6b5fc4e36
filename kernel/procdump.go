package kernel

// ProcDump logs one line per in-use process slot in the form
// "<pid> <state> <name>", the same terse format procdump prints to the
// console for a ^P debug trigger, except routed through Log rather than a
// dedicated console device (component I).
func (k *Kernel) ProcDump() {
	for i := range k.procs {
		p := &k.procs[i]
		if p.state == PUnused {
			continue
		}
		k.Log.Infof("%d %s %s", p.pid, p.state, p.name)
		for j := range p.threads {
			kt := &p.threads[j]
			if kt.state == KTUnused {
				continue
			}
			k.Log.Infof("  thread %d %s", kt.tid, kt.state)
		}
	}
}
