package plan

import "fmt"

// Validate checks a plan's stage graph: unique names, ordinals matching
// position, dependencies that exist and point backwards, and no cycles.
func Validate(p *Plan) error {
	if len(p.Stages) == 0 {
		return fmt.Errorf("plan: %s: no stages", p.Intent)
	}

	byName := make(map[string]*Stage, len(p.Stages))
	for i := range p.Stages {
		st := &p.Stages[i]
		if st.Ordinal != i {
			return fmt.Errorf("plan: stage %q has ordinal %d at position %d", st.Name, st.Ordinal, i)
		}
		if _, dup := byName[st.Name]; dup {
			return fmt.Errorf("plan: duplicate stage %q", st.Name)
		}
		byName[st.Name] = st
	}

	for _, st := range p.Stages {
		for _, dep := range st.DependsOn {
			other, ok := byName[dep]
			if !ok {
				return fmt.Errorf("plan: stage %q depends on %q which does not exist", st.Name, dep)
			}
			if other.Ordinal >= st.Ordinal {
				return fmt.Errorf("plan: stage %q depends on %q which runs at or after it", st.Name, dep)
			}
		}
	}

	return detectCycles(p, byName)
}

// detectCycles walks the dependency edges with tri-color marking. Ordinal
// ordering already rules cycles out, but the check keeps hand-built plans
// honest too.
func detectCycles(p *Plan, byName map[string]*Stage) error {
	// 0 = unvisited, 1 = visiting (on current stack), 2 = done
	visited := make(map[string]int, len(p.Stages))

	var dfs func(name string) error
	dfs = func(name string) error {
		visited[name] = 1
		for _, dep := range byName[name].DependsOn {
			switch visited[dep] {
			case 1:
				return fmt.Errorf("plan: cycle involving %q and %q", name, dep)
			case 0:
				if err := dfs(dep); err != nil {
					return err
				}
			}
		}
		visited[name] = 2
		return nil
	}

	for _, st := range p.Stages {
		if visited[st.Name] == 0 {
			if err := dfs(st.Name); err != nil {
				return err
			}
		}
	}
	return nil
}
