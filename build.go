package sectembed

import (
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Build embeds every region of the manifest and links them into one image.
// Problems with individual regions are all reported, not just the first.
func Build(m *Manifest, logger *zap.Logger) (*Image, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	target, err := ParseTarget(m.Target)
	if err != nil {
		return nil, err
	}
	kind, err := ParseKind(m.Kind)
	if err != nil {
		return nil, err
	}

	emb, err := NewEmbedder(target, WithLogger(logger), WithMaxRegionSize(int64(m.MaxRegionSize)))
	if err != nil {
		return nil, err
	}
	lnk, err := NewLinker(target, WithLogger(logger), WithKind(kind))
	if err != nil {
		return nil, err
	}

	var errs error
	for _, spec := range m.Regions {
		site := m.site(spec.Line)
		region, err := ParseRegion(spec.Name)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", site, err))
			continue
		}
		data, err := m.content(spec)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", site, err))
			continue
		}
		if spec.Plist {
			if err := CheckPlist(data); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: region %s: %w", site, region, err))
				continue
			}
		}
		size := len(data)
		if spec.Size != nil {
			size = *spec.Size
		}
		obj, err := emb.EmbedAt(site, region, data, size)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		lnk.Add(obj)
	}
	if errs != nil {
		return nil, errs
	}

	for _, req := range m.Require {
		region, err := ParseRegion(req.Name)
		if err != nil {
			return nil, err
		}
		lnk.RequireAt(m.site(req.Line), region)
	}

	return lnk.Link()
}
